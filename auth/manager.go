package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streetmarket/repricer/marketplace"
	"github.com/streetmarket/repricer/proxypool"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrInvalidCredentials means the marketplace rejected the stored or
	// submitted credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrReauthRequired means automatic refresh cannot proceed and an
	// operator or the account owner has to intervene. The specific
	// ReauthReason is persisted on the store record.
	ErrReauthRequired = errors.New("re-authentication required")
)

// LoginStatus tags the outcome of the credential phase.
type LoginStatus int

const (
	// StatusAuthenticated: login completed, a full session exists.
	StatusAuthenticated LoginStatus = iota
	// StatusSmsRequired: the marketplace wants a one-time code; the
	// partial session must be completed via CompleteSms.
	StatusSmsRequired
)

// LoginResult makes the two-phase state machine explicit at the type
// level: exactly one of Session or Partial is set, selected by Status.
type LoginResult struct {
	Status  LoginStatus
	Session *Session
	Partial *PartialSession
}

// Manager performs logins, validates liveness and refreshes expired
// sessions exactly once per account under concurrent callers.
type Manager struct {
	store  SessionStore
	client *marketplace.Client
	logger *slog.Logger

	// one lock per account; lazily created, never removed. The leak is
	// bounded by the number of accounts.
	locks *xsync.MapOf[string, *sync.Mutex]
}

func NewManager(store SessionStore, client *marketplace.Client) *Manager {
	return &Manager{
		store:  store,
		client: client,
		logger: slog.Default().With("system", "auth"),
		locks:  xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// Login runs the credential phase. On full success the session is
// persisted and returned; if the marketplace demands an SMS code the
// partial session is returned to the caller and nothing is persisted.
func (m *Manager) Login(ctx context.Context, accountID, email, password string, proxy *proxypool.Proxy) (*LoginResult, error) {
	resp, err := m.client.LoginSubmit(ctx, marketplace.LoginInput{Email: email, Password: password}, proxy)
	if err != nil {
		if errors.Is(err, marketplace.ErrInvalidCredentials) {
			loginOutcomes.WithLabelValues("invalid_credentials").Inc()
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, accountID)
		}
		loginOutcomes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("login submit: %w", err)
	}

	if resp.Result == marketplace.LoginResultSmsRequired {
		loginOutcomes.WithLabelValues("sms_required").Inc()
		return &LoginResult{
			Status: StatusSmsRequired,
			Partial: &PartialSession{
				Cookies:  fromHTTPCookies(resp.Cookies),
				Email:    email,
				Password: password,
			},
		}, nil
	}

	sess, err := m.buildSession(ctx, fromHTTPCookies(resp.Cookies), email, password, proxy)
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, accountID, sess); err != nil {
		return nil, err
	}
	loginOutcomes.WithLabelValues("authenticated").Inc()
	return &LoginResult{Status: StatusAuthenticated, Session: sess}, nil
}

// CompleteSms finishes a login that stopped at the SMS step.
func (m *Manager) CompleteSms(ctx context.Context, accountID string, partial *PartialSession, code string, proxy *proxypool.Proxy) (*Session, error) {
	resp, err := m.client.SmsSubmit(ctx, code, partial.HTTPCookies(), proxy)
	if err != nil {
		return nil, fmt.Errorf("sms submit: %w", err)
	}
	sess, err := m.buildSession(ctx, fromHTTPCookies(resp.Cookies), partial.Email, partial.Password, proxy)
	if err != nil {
		return nil, err
	}
	sess.SMSVerified = true
	if err := m.persist(ctx, accountID, sess); err != nil {
		return nil, err
	}
	loginOutcomes.WithLabelValues("authenticated").Inc()
	return sess, nil
}

// buildSession fetches the merchant identity behind freshly obtained
// cookies and assembles the full session.
func (m *Manager) buildSession(ctx context.Context, cookies []Cookie, email, password string, proxy *proxypool.Proxy) (*Session, error) {
	merchants, err := m.client.Merchants(ctx, toHTTPCookies(cookies), proxy)
	if err != nil {
		return nil, fmt.Errorf("fetching merchant identity: %w", err)
	}
	if len(merchants) == 0 {
		return nil, errors.New("authenticated session has no merchants")
	}
	mc := merchants[0]
	return &Session{
		Version:    SessionVersion,
		Cookies:    cookies,
		Email:      email,
		Password:   password,
		MerchantID: mc.ID,
		ShopName:   mc.ShopName,
		Stores:     mc.Stores,
		CreatedAt:  time.Now(),
	}, nil
}

func (m *Manager) persist(ctx context.Context, accountID string, sess *Session) error {
	if err := m.store.Save(ctx, accountID, sess); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	if err := m.store.ClearNeedsReauth(ctx, accountID); err != nil {
		return fmt.Errorf("clearing reauth flag: %w", err)
	}
	return nil
}

// ValidateSession makes a cheap authenticated call. Any error counts as
// invalid; errors are not propagated.
func (m *Manager) ValidateSession(ctx context.Context, sess *Session, proxy *proxypool.Proxy) bool {
	merchants, err := m.client.Merchants(ctx, sess.HTTPCookies(), proxy)
	if err != nil {
		m.logger.Debug("session validation failed", "merchant", sess.MerchantID, "err", err)
		return false
	}
	return len(merchants) > 0
}

// ActiveSession returns a usable session for the account, refreshing it at
// most once. skipValidation trusts the stored session outright; pricing
// workers use that to avoid burning validation calls on every product.
//
// Only one refresh runs per account at a time: a second caller blocks on
// the account lock and then re-reads the freshly persisted session rather
// than starting its own login.
func (m *Manager) ActiveSession(ctx context.Context, accountID string, skipValidation bool) (*Session, error) {
	lock, _ := m.locks.LoadOrCompute(accountID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	lock.Lock()
	defer lock.Unlock()

	sess, err := m.store.Load(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil, m.reauth(ctx, accountID, ReauthCredentialsMissing)
		}
		return nil, err
	}

	if skipValidation {
		return sess, nil
	}
	if m.ValidateSession(ctx, sess, nil) {
		return sess, nil
	}

	m.logger.Info("session invalid, attempting refresh", "account", accountID)
	sessionRefreshes.Inc()

	if sess.Email == "" || sess.Password == "" {
		return nil, m.reauth(ctx, accountID, ReauthCredentialsMissing)
	}

	res, err := m.Login(ctx, accountID, sess.Email, sess.Password, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil, m.reauth(ctx, accountID, ReauthInvalidCredentials)
		}
		return nil, fmt.Errorf("session refresh: %w", err)
	}
	if res.Status == StatusSmsRequired {
		// refresh never blocks on a manual step
		return nil, m.reauth(ctx, accountID, ReauthSmsRequired)
	}
	return res.Session, nil
}

// reauth records the reason and surfaces ErrReauthRequired.
func (m *Manager) reauth(ctx context.Context, accountID string, reason ReauthReason) error {
	if err := m.store.MarkNeedsReauth(ctx, accountID, reason); err != nil {
		m.logger.Error("failed to mark needs_reauth", "account", accountID, "err", err)
	}
	reauthMarked.WithLabelValues(string(reason)).Inc()
	return fmt.Errorf("%w: %s", ErrReauthRequired, reason)
}
