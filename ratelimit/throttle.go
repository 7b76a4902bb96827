package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// ThrottleConfig bounds and tunes an AdaptiveThrottle.
type ThrottleConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// DecayFactor shrinks the delay on success, toward MinDelay.
	DecayFactor float64
	// RateLimitFactor grows the delay when the remote answers 429.
	RateLimitFactor float64
	// ServerErrorFactor grows the delay on 5xx responses.
	ServerErrorFactor float64
	// JitterFraction randomizes each wait by ±fraction to desynchronize
	// workers that share a traffic class.
	JitterFraction float64
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		MinDelay:          200 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		DecayFactor:       0.9,
		RateLimitFactor:   2.0,
		ServerErrorFactor: 1.5,
		JitterFraction:    0.2,
	}
}

// AdaptiveThrottle is a per-traffic-class delay that grows when the remote
// pushes back and decays while it is happy. It is a soft complement to the
// hard ceiling the Limiter enforces; both are applied before every call.
type AdaptiveThrottle struct {
	cfg ThrottleConfig

	mu    sync.Mutex
	delay time.Duration
}

func NewAdaptiveThrottle(cfg ThrottleConfig) *AdaptiveThrottle {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultThrottleConfig().MinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &AdaptiveThrottle{cfg: cfg, delay: cfg.MinDelay}
}

// Wait suspends the caller for the current delay, plus jitter.
func (t *AdaptiveThrottle) Wait(ctx context.Context) error {
	t.mu.Lock()
	d := t.delay
	t.mu.Unlock()

	if f := t.cfg.JitterFraction; f > 0 {
		spread := float64(d) * f
		d += time.Duration(rand.Float64()*2*spread - spread)
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnSuccess decays the delay toward the floor.
func (t *AdaptiveThrottle) OnSuccess() {
	t.adjust(t.cfg.DecayFactor)
}

// OnRateLimited grows the delay aggressively toward the ceiling.
func (t *AdaptiveThrottle) OnRateLimited() {
	t.adjust(t.cfg.RateLimitFactor)
}

// OnServerError grows the delay, but less than a rate-limit signal does.
func (t *AdaptiveThrottle) OnServerError() {
	t.adjust(t.cfg.ServerErrorFactor)
}

func (t *AdaptiveThrottle) adjust(factor float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := time.Duration(float64(t.delay) * factor)
	if d < t.cfg.MinDelay {
		d = t.cfg.MinDelay
	}
	if d > t.cfg.MaxDelay {
		d = t.cfg.MaxDelay
	}
	t.delay = d
}

// Delay reports the current delay, for the status surface and tests.
func (t *AdaptiveThrottle) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}
