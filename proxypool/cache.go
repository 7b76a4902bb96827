package proxypool

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/gorm"
)

// RotatorCache hands out process-lifetime rotator singletons per
// (user, module). Explicit invalidation exists for external changes such
// as an admin reallocating a user's proxies.
type RotatorCache struct {
	db  *gorm.DB
	cfg RotatorConfig

	mu    sync.Mutex
	cache *lru.Cache[string, *Rotator]
}

func NewRotatorCache(db *gorm.DB, cfg RotatorConfig, size int) (*RotatorCache, error) {
	if size <= 0 {
		size = 10_000
	}
	c, err := lru.New[string, *Rotator](size)
	if err != nil {
		return nil, err
	}
	return &RotatorCache{db: db, cfg: cfg, cache: c}, nil
}

func rotatorKey(userID, module string) string {
	return fmt.Sprintf("%s|%s", userID, module)
}

// Get returns the cached rotator for (user, module), constructing it on
// first use. Construction is serialized so two concurrent callers cannot
// build two rotators over the same subset.
func (c *RotatorCache) Get(ctx context.Context, userID, module string) (*Rotator, error) {
	key := rotatorKey(userID, module)

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.cache.Get(key); ok {
		return r, nil
	}
	r, err := NewRotator(ctx, c.db, userID, module, c.cfg)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, r)
	return r, nil
}

// Invalidate drops the cached rotator for (user, module).
func (c *RotatorCache) Invalidate(userID, module string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(rotatorKey(userID, module))
}

// Clear drops every cached rotator.
func (c *RotatorCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}
