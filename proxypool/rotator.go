package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNoProxiesAllocated means the user has no proxies for this module
	// at all: nothing is provisioned, an operator has to act.
	ErrNoProxiesAllocated = errors.New("no proxies allocated")
	// ErrNoProxiesAvailable means proxies exist but every one of them is
	// dead. Distinct from ErrNoProxiesAllocated so callers can tell
	// "nothing provisioned" from "pool burned out".
	ErrNoProxiesAvailable = errors.New("no proxies available")
)

// RotatorConfig carries the rotation tuning. The defaults (249 requests,
// 40 minute rest) are empirically tuned anti-detection values carried over
// from production; treat them as config, not constants.
type RotatorConfig struct {
	// RotateAfter is the request count at which the current proxy is
	// benched. Deliberately one below the round number.
	RotateAfter int
	// RestDuration is how long a rotated-out proxy rests.
	RestDuration time.Duration
	// FlushEvery amortizes counter write-back: counters are persisted
	// once per this many requests rather than per request.
	FlushEvery int
	// DeathFailureRate and DeathMinFailures together decide when a proxy
	// is declared dead.
	DeathFailureRate float64
	DeathMinFailures int64
}

func DefaultRotatorConfig() RotatorConfig {
	return RotatorConfig{
		RotateAfter:      249,
		RestDuration:     40 * time.Minute,
		FlushEvery:       50,
		DeathFailureRate: 0.5,
		DeathMinFailures: 10,
	}
}

// Rotator is the in-memory session view over one user's proxy subset for
// one module. It is cached per (user, module) for process lifetime; losing
// it on restart only costs a reload from the store.
type Rotator struct {
	db     *gorm.DB
	cfg    RotatorConfig
	userID string
	module string
	logger *slog.Logger

	mu           sync.Mutex
	proxies      []*Proxy
	evicted      int // proxies declared dead during this session
	current      *Proxy
	requestCount int // since last rotation
	sinceFlush   int
}

// NewRotator builds a rotator over the user's current proxy subset.
func NewRotator(ctx context.Context, db *gorm.DB, userID, module string, cfg RotatorConfig) (*Rotator, error) {
	r := &Rotator{
		db:     db,
		cfg:    cfg,
		userID: userID,
		module: module,
		logger: slog.Default().With("system", "proxypool", "user", userID, "module", module),
	}
	if r.cfg.RotateAfter <= 0 {
		r.cfg = DefaultRotatorConfig()
	}
	var proxies []*Proxy
	if err := db.WithContext(ctx).
		Where("owner_id = ? AND module = ? AND status != ?", userID, module, StatusDead).
		Order("id").
		Find(&proxies).Error; err != nil {
		return nil, fmt.Errorf("loading proxy subset: %w", err)
	}
	r.proxies = proxies
	return r, nil
}

// Current returns the proxy to use for the next request, rotating first if
// the in-memory request counter has reached the threshold.
func (r *Rotator) Current(ctx context.Context) (*Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.requestCount < r.cfg.RotateAfter {
		return r.current, nil
	}
	if err := r.rotateLocked(ctx); err != nil {
		return nil, err
	}
	return r.current, nil
}

// rotateLocked benches the current proxy (resting, available_at = now +
// rest) and selects the next one. Selection priority: a never-used
// allocated proxy, then a rested proxy whose rest expired, then sleeping
// until the soonest rest expiry. Caller must hold r.mu; the sleep in the
// third branch happens with the lock held on purpose — every caller of
// this rotator needs the same proxy, so letting them pile up on the mutex
// is the desired behavior.
func (r *Rotator) rotateLocked(ctx context.Context) error {
	now := time.Now()

	if r.current != nil {
		restUntil := now.Add(r.cfg.RestDuration)
		outgoing := r.current
		outgoing.Status = StatusResting
		outgoing.AvailableAt = &restUntil
		if err := r.persistLocked(ctx, outgoing); err != nil {
			r.logger.Warn("failed to persist resting proxy", "proxy", outgoing.Addr(), "err", err)
		}
		r.current = nil
		proxyRotations.WithLabelValues(r.module).Inc()
	}
	r.requestCount = 0

	if len(r.proxies) == 0 {
		if r.evicted > 0 {
			return ErrNoProxiesAvailable
		}
		return ErrNoProxiesAllocated
	}

	// 1) a fresh allocated proxy that has never served a request
	for _, p := range r.proxies {
		if p.Status == StatusAllocated && p.LastUsedAt == nil {
			return r.selectLocked(ctx, p)
		}
	}

	// 2) a rested proxy whose rest has expired
	var soonest *Proxy
	for _, p := range r.proxies {
		switch p.Status {
		case StatusResting:
			if p.AvailableAt == nil || !p.AvailableAt.After(now) {
				return r.selectLocked(ctx, p)
			}
			if soonest == nil || p.AvailableAt.Before(*soonest.AvailableAt) {
				soonest = p
			}
		case StatusAllocated:
			// used before but never benched; acceptable fallback
			if soonest == nil {
				return r.selectLocked(ctx, p)
			}
		}
	}

	// 3) everything is resting: wait for the soonest one
	if soonest != nil {
		wait := time.Until(*soonest.AvailableAt)
		r.logger.Info("all proxies resting, waiting", "wait", wait.Round(time.Second))
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
			return r.selectLocked(ctx, soonest)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 4) nothing left alive
	return ErrNoProxiesAvailable
}

func (r *Rotator) selectLocked(ctx context.Context, p *Proxy) error {
	now := time.Now()
	p.Status = StatusAllocated
	p.AvailableAt = nil
	p.LastUsedAt = &now
	if err := r.persistLocked(ctx, p); err != nil {
		return fmt.Errorf("persisting selected proxy: %w", err)
	}
	r.current = p
	r.requestCount = 0
	return nil
}

// RecordRequest records the outcome of one request through the current
// proxy, applying the death rule on failures and amortized counter
// write-back.
func (r *Rotator) RecordRequest(ctx context.Context, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.current
	if p == nil {
		return nil
	}

	now := time.Now()
	p.RequestsCount++
	p.LastUsedAt = &now
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	r.requestCount++
	r.sinceFlush++

	if !success && p.FailureCount > r.cfg.DeathMinFailures && p.FailureRate() > r.cfg.DeathFailureRate {
		r.logger.Warn("proxy declared dead", "proxy", p.Addr(),
			"failures", p.FailureCount, "rate", fmt.Sprintf("%.2f", p.FailureRate()))
		p.Status = StatusDead
		if err := r.persistLocked(ctx, p); err != nil {
			r.logger.Warn("failed to persist dead proxy", "proxy", p.Addr(), "err", err)
		}
		r.evictLocked(p)
		r.evicted++
		r.current = nil
		proxyDeaths.WithLabelValues(r.module).Inc()
		r.sinceFlush = 0
		return r.rotateLocked(ctx)
	}

	if r.sinceFlush >= r.cfg.FlushEvery {
		r.sinceFlush = 0
		if err := r.persistLocked(ctx, p); err != nil {
			return fmt.Errorf("flushing proxy counters: %w", err)
		}
	}
	return nil
}

// Flush persists the current proxy's counters immediately.
func (r *Rotator) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	r.sinceFlush = 0
	return r.persistLocked(ctx, r.current)
}

func (r *Rotator) evictLocked(dead *Proxy) {
	kept := r.proxies[:0]
	for _, p := range r.proxies {
		if p.ID != dead.ID {
			kept = append(kept, p)
		}
	}
	r.proxies = kept
}

func (r *Rotator) persistLocked(ctx context.Context, p *Proxy) error {
	return r.db.WithContext(ctx).Model(&Proxy{}).Where("id = ?", p.ID).
		Updates(map[string]any{
			"status":         p.Status,
			"requests_count": p.RequestsCount,
			"success_count":  p.SuccessCount,
			"failure_count":  p.FailureCount,
			"last_used_at":   p.LastUsedAt,
			"available_at":   p.AvailableAt,
		}).Error
}
