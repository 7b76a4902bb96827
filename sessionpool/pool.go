// Package sessionpool maintains reusable, fingerprinted HTTP execution
// contexts keyed by egress identity, and provides the end-to-end request
// path for marketplace traffic: rate limit, adaptive throttle, circuit
// breaker, bounded retries and ban detection.
package sessionpool

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/streetmarket/repricer/breaker"
	"github.com/streetmarket/repricer/internal/ticker"
	"github.com/streetmarket/repricer/proxypool"
	"github.com/streetmarket/repricer/ratelimit"
)

// Config tunes the pool and its request path.
type Config struct {
	Shards         int
	IdleTTL        time.Duration
	ReapInterval   time.Duration
	RequestTimeout time.Duration

	// Human-like jitter applied before every request.
	JitterMin time.Duration
	JitterMax time.Duration

	// Retry policy for retryable remote errors.
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	DefaultCircuit string
}

func DefaultConfig() Config {
	return Config{
		Shards:         8,
		IdleTTL:        300 * time.Second,
		ReapInterval:   60 * time.Second,
		RequestTimeout: 30 * time.Second,
		JitterMin:      150 * time.Millisecond,
		JitterMax:      900 * time.Millisecond,
		MaxAttempts:    4,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     15 * time.Second,
		BackoffJitter:  0.2,
		DefaultCircuit: breaker.CircuitMarketplaceAPI,
	}
}

// Context is one reusable execution context: an HTTP client configured for
// a single egress identity with a stable randomized fingerprint.
type Context struct {
	Client      *http.Client
	Fingerprint Fingerprint

	key      string
	lastUsed time.Time
}

type shard struct {
	mu       sync.Mutex
	contexts map[string]*Context
}

// Pool is a fixed set of independently locked shards. A given proxy always
// maps to the same shard so its context gets reused; direct traffic lands
// on a time-based pseudo-random shard.
type Pool struct {
	cfg      Config
	shards   []*shard
	limiter  *ratelimit.Limiter
	throttle *ratelimit.AdaptiveThrottle
	breakers *breaker.Registry
	logger   *slog.Logger
}

func NewPool(cfg Config, limiter *ratelimit.Limiter, throttle *ratelimit.AdaptiveThrottle, breakers *breaker.Registry) *Pool {
	if cfg.Shards <= 0 {
		cfg = DefaultConfig()
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{contexts: make(map[string]*Context)}
	}
	return &Pool{
		cfg:      cfg,
		shards:   shards,
		limiter:  limiter,
		throttle: throttle,
		breakers: breakers,
		logger:   slog.Default().With("system", "sessionpool"),
	}
}

// StartReaper runs the idle-context reclamation loop until ctx is
// cancelled. The in-flight cycle is allowed to finish on shutdown.
func (p *Pool) StartReaper(ctx context.Context) {
	go ticker.Periodically(ctx, p.cfg.ReapInterval, "sessionpool-reaper", p.reap)
}

func (p *Pool) reap(ctx context.Context) error {
	cutoff := time.Now().Add(-p.cfg.IdleTTL)
	reaped := 0
	for _, s := range p.shards {
		s.mu.Lock()
		for key, c := range s.contexts {
			if c.lastUsed.Before(cutoff) {
				c.Client.CloseIdleConnections()
				delete(s.contexts, key)
				reaped++
			}
		}
		s.mu.Unlock()
	}
	if reaped > 0 {
		contextsReaped.Add(float64(reaped))
		p.logger.Debug("reaped idle contexts", "count", reaped)
	}
	return nil
}

// shardFor maps an egress identity to its stable shard.
func (p *Pool) shardFor(key string) *shard {
	if key == "" {
		// direct traffic: no identity to stick to
		return p.shards[int(time.Now().UnixNano())%len(p.shards)]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[int(h.Sum32())%len(p.shards)]
}

// GetContext returns the cached context for the proxy, creating one with a
// fresh fingerprint if needed. A nil proxy means direct traffic.
func (p *Pool) GetContext(proxy *proxypool.Proxy) (*Context, error) {
	key := ""
	if proxy != nil {
		key = proxy.Addr()
	}
	s := p.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.contexts[key]; ok {
		c.lastUsed = time.Now()
		return c, nil
	}

	c, err := p.newContext(key, proxy)
	if err != nil {
		return nil, err
	}
	s.contexts[key] = c
	contextsCreated.Inc()
	return c, nil
}

func (p *Pool) newContext(key string, proxy *proxypool.Proxy) (*Context, error) {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != nil {
		proxyURL, err := url.Parse(proxy.URL())
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	fp := randomFingerprint()
	return &Context{
		Client: &http.Client{
			Transport: &fingerprintTransport{inner: transport, fp: fp},
			Timeout:   p.cfg.RequestTimeout,
		},
		Fingerprint: fp,
		key:         key,
		lastUsed:    time.Now(),
	}, nil
}

// Close drops every context and closes their idle connections. The pool
// stays usable; contexts are recreated on demand.
func (p *Pool) Close() {
	for _, s := range p.shards {
		s.mu.Lock()
		for key, c := range s.contexts {
			c.Client.CloseIdleConnections()
			delete(s.contexts, key)
		}
		s.mu.Unlock()
	}
}

// Size reports the number of live contexts, for tests and the status
// surface.
func (p *Pool) Size() int {
	n := 0
	for _, s := range p.shards {
		s.mu.Lock()
		n += len(s.contexts)
		s.mu.Unlock()
	}
	return n
}
