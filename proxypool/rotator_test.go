package proxypool_test

import (
	"context"
	"testing"
	"time"

	"github.com/streetmarket/repricer/proxypool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func allocateTwo(t *testing.T, db *gorm.DB) {
	t.Helper()
	seedProxies(t, db, 2)
	pool := proxypool.NewPool(db, nil)
	require.NoError(t, pool.AllocateToUser(context.Background(), "user-1",
		map[string]int{proxypool.ModulePricing: 2}))
}

func TestRotatorRotatesAtThreshold(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	allocateTwo(t, db)

	cfg := proxypool.DefaultRotatorConfig()
	r, err := proxypool.NewRotator(ctx, db, "user-1", proxypool.ModulePricing, cfg)
	require.NoError(t, err)

	first, err := r.Current(ctx)
	require.NoError(t, err)

	// a proxy never serves more than RotateAfter requests
	for i := 0; i < cfg.RotateAfter; i++ {
		p, err := r.Current(ctx)
		require.NoError(t, err)
		require.Equal(t, first.ID, p.ID, "rotated early at request %d", i)
		require.NoError(t, r.RecordRequest(ctx, true))
	}

	next, err := r.Current(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)

	// the benched proxy rests for RestDuration
	var benched proxypool.Proxy
	require.NoError(t, db.First(&benched, first.ID).Error)
	assert.Equal(t, proxypool.StatusResting, benched.Status)
	require.NotNil(t, benched.AvailableAt)
	assert.WithinDuration(t, time.Now().Add(cfg.RestDuration), *benched.AvailableAt, 5*time.Second)
}

func TestRotatorPrefersRestedProxy(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	allocateTwo(t, db)

	// bench both: one expired, one still resting
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(30 * time.Minute)
	used := time.Now().Add(-time.Hour)
	var proxies []proxypool.Proxy
	require.NoError(t, db.Order("id").Find(&proxies).Error)
	require.NoError(t, db.Model(&proxies[0]).Updates(map[string]any{
		"status": proxypool.StatusResting, "available_at": future, "last_used_at": used,
	}).Error)
	require.NoError(t, db.Model(&proxies[1]).Updates(map[string]any{
		"status": proxypool.StatusResting, "available_at": past, "last_used_at": used,
	}).Error)

	r, err := proxypool.NewRotator(ctx, db, "user-1", proxypool.ModulePricing, proxypool.DefaultRotatorConfig())
	require.NoError(t, err)

	p, err := r.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, proxies[1].ID, p.ID)

	var picked proxypool.Proxy
	require.NoError(t, db.First(&picked, p.ID).Error)
	assert.Equal(t, proxypool.StatusAllocated, picked.Status)
	assert.Nil(t, picked.AvailableAt)
}

func TestRotatorWaitsWhenAllResting(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	seedProxies(t, db, 1)
	pool := proxypool.NewPool(db, nil)
	require.NoError(t, pool.AllocateToUser(ctx, "user-1", map[string]int{proxypool.ModulePricing: 1}))

	soon := time.Now().Add(200 * time.Millisecond)
	used := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&proxypool.Proxy{}).Where("owner_id = ?", "user-1").
		Updates(map[string]any{
			"status": proxypool.StatusResting, "available_at": soon, "last_used_at": used,
		}).Error)

	r, err := proxypool.NewRotator(ctx, db, "user-1", proxypool.ModulePricing, proxypool.DefaultRotatorConfig())
	require.NoError(t, err)

	start := time.Now()
	p, err := r.Current(ctx)
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRotatorDeathRule(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	allocateTwo(t, db)

	r, err := proxypool.NewRotator(ctx, db, "user-1", proxypool.ModulePricing, proxypool.DefaultRotatorConfig())
	require.NoError(t, err)

	first, err := r.Current(ctx)
	require.NoError(t, err)

	// 11 failures, zero successes: rate 1.0 > 0.5 and count 11 > 10
	for i := 0; i < 11; i++ {
		require.NoError(t, r.RecordRequest(ctx, false))
	}

	var dead proxypool.Proxy
	require.NoError(t, db.First(&dead, first.ID).Error)
	assert.Equal(t, proxypool.StatusDead, dead.Status)

	// the dead proxy is excluded from subsequent selections
	next, err := r.Current(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestRotatorErrorFlavors(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	// no proxies at all for this user
	r, err := proxypool.NewRotator(ctx, db, "user-absent", proxypool.ModulePricing, proxypool.DefaultRotatorConfig())
	require.NoError(t, err)
	_, err = r.Current(ctx)
	assert.ErrorIs(t, err, proxypool.ErrNoProxiesAllocated)

	// a single proxy that burns out mid-session
	seedProxies(t, db, 1)
	pool := proxypool.NewPool(db, nil)
	require.NoError(t, pool.AllocateToUser(ctx, "user-1", map[string]int{proxypool.ModulePricing: 1}))

	r, err = proxypool.NewRotator(ctx, db, "user-1", proxypool.ModulePricing, proxypool.DefaultRotatorConfig())
	require.NoError(t, err)
	_, err = r.Current(ctx)
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		_ = r.RecordRequest(ctx, false)
	}
	_, err = r.Current(ctx)
	assert.ErrorIs(t, err, proxypool.ErrNoProxiesAvailable)
}

func TestRotatorCache(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	allocateTwo(t, db)

	cache, err := proxypool.NewRotatorCache(db, proxypool.DefaultRotatorConfig(), 100)
	require.NoError(t, err)

	a, err := cache.Get(ctx, "user-1", proxypool.ModulePricing)
	require.NoError(t, err)
	b, err := cache.Get(ctx, "user-1", proxypool.ModulePricing)
	require.NoError(t, err)
	assert.Same(t, a, b)

	cache.Invalidate("user-1", proxypool.ModulePricing)
	c, err := cache.Get(ctx, "user-1", proxypool.ModulePricing)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}
