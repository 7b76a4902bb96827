package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streetmarket/repricer/auth"
	"github.com/streetmarket/repricer/breaker"
	"github.com/streetmarket/repricer/marketplace"
	"github.com/streetmarket/repricer/ratelimit"
	"github.com/streetmarket/repricer/sessionpool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMarket simulates the marketplace auth surface. A login with the
// right password sets an auth cookie; merchants answers non-empty only
// for that cookie.
type fakeMarket struct {
	password    string
	smsRequired bool
	smsCode     string

	loginCalls atomic.Int32
}

func (f *fakeMarket) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.loginCalls.Add(1)
		var in marketplace.LoginInput
		json.NewDecoder(r.Body).Decode(&in)
		if in.Password != f.password {
			json.NewEncoder(w).Encode(marketplace.LoginOutput{Result: marketplace.LoginResultInvalidCredentials})
			return
		}
		if f.smsRequired {
			http.SetCookie(w, &http.Cookie{Name: "auth", Value: "pending"})
			json.NewEncoder(w).Encode(marketplace.LoginOutput{Result: marketplace.LoginResultSmsRequired})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "fresh"})
		json.NewEncoder(w).Encode(marketplace.LoginOutput{Result: marketplace.LoginResultOK})
	})
	mux.HandleFunc("/api/v2/auth/sms", func(w http.ResponseWriter, r *http.Request) {
		var in marketplace.SmsInput
		json.NewDecoder(r.Body).Decode(&in)
		if in.Code != f.smsCode {
			json.NewEncoder(w).Encode(marketplace.LoginOutput{Result: "invalid_code"})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "fresh"})
		json.NewEncoder(w).Encode(marketplace.LoginOutput{Result: marketplace.LoginResultOK})
	})
	mux.HandleFunc("/api/v2/merchants", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("auth")
		if err != nil || cookie.Value != "fresh" {
			json.NewEncoder(w).Encode(map[string]any{"merchants": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"merchants": []marketplace.Merchant{
			{ID: "m-1", ShopName: "Test Shop", Stores: []marketplace.StoreLocation{{ID: "s-1", Name: "Main"}}},
		}})
	})
	return mux
}

func newTestManager(t *testing.T, market *fakeMarket) (*auth.Manager, *auth.MemSessionStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(market.handler())
	t.Cleanup(srv.Close)

	cfg := sessionpool.DefaultConfig()
	cfg.JitterMin = 0
	cfg.JitterMax = 0
	cfg.BackoffBase = time.Millisecond

	tcfg := ratelimit.DefaultThrottleConfig()
	tcfg.MinDelay = time.Millisecond
	tcfg.MaxDelay = 5 * time.Millisecond
	tcfg.JitterFraction = 0

	pool := sessionpool.NewPool(cfg,
		ratelimit.NewLimiter(10_000, 100),
		ratelimit.NewAdaptiveThrottle(tcfg),
		breaker.NewRegistry(),
	)
	client := marketplace.NewClient(srv.URL, pool)
	store := auth.NewMemSessionStore()
	return auth.NewManager(store, client), store, srv
}

func TestLoginAuthenticated(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, &fakeMarket{password: "hunter2"})

	res, err := m.Login(ctx, "acct-1", "shop@example.com", "hunter2", nil)
	require.NoError(t, err)
	require.Equal(t, auth.StatusAuthenticated, res.Status)
	require.NotNil(t, res.Session)
	assert.Equal(t, "m-1", res.Session.MerchantID)
	assert.Equal(t, "Test Shop", res.Session.ShopName)

	// session was persisted
	persisted, err := store.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", persisted.MerchantID)
}

func TestLoginInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, &fakeMarket{password: "hunter2"})

	_, err := m.Login(ctx, "acct-1", "shop@example.com", "wrong", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestLoginSmsFlow(t *testing.T) {
	ctx := context.Background()
	market := &fakeMarket{password: "hunter2", smsRequired: true, smsCode: "123456"}
	m, store, _ := newTestManager(t, market)

	res, err := m.Login(ctx, "acct-1", "shop@example.com", "hunter2", nil)
	require.NoError(t, err)
	require.Equal(t, auth.StatusSmsRequired, res.Status)
	require.NotNil(t, res.Partial)

	// nothing partial is persisted
	_, err = store.Load(ctx, "acct-1")
	assert.ErrorIs(t, err, auth.ErrNoSession)

	market.smsRequired = false
	sess, err := m.CompleteSms(ctx, "acct-1", res.Partial, "123456", nil)
	require.NoError(t, err)
	assert.True(t, sess.SMSVerified)
	assert.Equal(t, "m-1", sess.MerchantID)

	persisted, err := store.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, persisted.SMSVerified)
}

func TestActiveSessionSkipValidation(t *testing.T) {
	ctx := context.Background()
	market := &fakeMarket{password: "hunter2"}
	m, store, _ := newTestManager(t, market)

	stale := &auth.Session{
		Cookies:    []auth.Cookie{{Name: "auth", Value: "stale"}},
		Email:      "shop@example.com",
		Password:   "hunter2",
		MerchantID: "m-1",
	}
	require.NoError(t, store.Save(ctx, "acct-1", stale))

	sess, err := m.ActiveSession(ctx, "acct-1", true)
	require.NoError(t, err)
	assert.Equal(t, "stale", sess.Cookies[0].Value)
	assert.Zero(t, market.loginCalls.Load(), "skipValidation must not touch the network for login")
}

func TestActiveSessionRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	market := &fakeMarket{password: "hunter2"}
	m, store, _ := newTestManager(t, market)

	stale := &auth.Session{
		Cookies:  []auth.Cookie{{Name: "auth", Value: "stale"}},
		Email:    "shop@example.com",
		Password: "hunter2",
	}
	require.NoError(t, store.Save(ctx, "acct-1", stale))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := m.ActiveSession(ctx, "acct-1", false)
			assert.NoError(t, err)
			assert.NotNil(t, sess)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, market.loginCalls.Load(),
		"concurrent callers must share a single refresh")

	persisted, err := store.Load(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", persisted.Cookies[0].Value)
}

func TestActiveSessionMarksSmsRequired(t *testing.T) {
	ctx := context.Background()
	market := &fakeMarket{password: "hunter2", smsRequired: true}
	m, store, _ := newTestManager(t, market)

	stale := &auth.Session{
		Cookies:  []auth.Cookie{{Name: "auth", Value: "stale"}},
		Email:    "shop@example.com",
		Password: "hunter2",
	}
	require.NoError(t, store.Save(ctx, "acct-1", stale))

	_, err := m.ActiveSession(ctx, "acct-1", false)
	require.ErrorIs(t, err, auth.ErrReauthRequired)

	reason, ok := store.ReauthReason("acct-1")
	require.True(t, ok)
	assert.Equal(t, auth.ReauthSmsRequired, reason)
}

func TestActiveSessionMarksInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	market := &fakeMarket{password: "changed-since"}
	m, store, _ := newTestManager(t, market)

	stale := &auth.Session{
		Cookies:  []auth.Cookie{{Name: "auth", Value: "stale"}},
		Email:    "shop@example.com",
		Password: "hunter2",
	}
	require.NoError(t, store.Save(ctx, "acct-1", stale))

	_, err := m.ActiveSession(ctx, "acct-1", false)
	require.ErrorIs(t, err, auth.ErrReauthRequired)

	reason, ok := store.ReauthReason("acct-1")
	require.True(t, ok)
	assert.Equal(t, auth.ReauthInvalidCredentials, reason)
}

func TestActiveSessionMissingSession(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t, &fakeMarket{password: "hunter2"})

	_, err := m.ActiveSession(ctx, "acct-unknown", false)
	require.ErrorIs(t, err, auth.ErrReauthRequired)

	reason, ok := store.ReauthReason("acct-unknown")
	require.True(t, ok)
	assert.Equal(t, auth.ReauthCredentialsMissing, reason)
}
