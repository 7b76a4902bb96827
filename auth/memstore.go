package auth

import (
	"context"
	"sync"
)

// MemSessionStore is an in-memory SessionStore for tests.
type MemSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	reauth   map[string]ReauthReason
}

func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{
		sessions: make(map[string]*Session),
		reauth:   make(map[string]ReauthReason),
	}
}

func (m *MemSessionStore) Save(ctx context.Context, accountID string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[accountID] = &cp
	return nil
}

func (m *MemSessionStore) Load(ctx context.Context, accountID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	if !ok {
		return nil, ErrNoSession
	}
	cp := *s
	return &cp, nil
}

func (m *MemSessionStore) MarkNeedsReauth(ctx context.Context, accountID string, reason ReauthReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauth[accountID] = reason
	return nil
}

func (m *MemSessionStore) ClearNeedsReauth(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reauth, accountID)
	return nil
}

// ReauthReason reports the recorded reason, for test assertions.
func (m *MemSessionStore) ReauthReason(accountID string) (ReauthReason, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reauth[accountID]
	return r, ok
}

var _ SessionStore = (*MemSessionStore)(nil)
