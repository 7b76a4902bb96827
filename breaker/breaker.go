// Package breaker implements per-call-site circuit breaking for external
// dependencies. Each named circuit is an independent state machine; the
// open->half-open transition is computed lazily on state reads rather than
// by a background timer.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when a circuit rejects a call outright, either
// because it is open or because the half-open probe budget is spent.
// A rejection is not counted as a failure against the circuit.
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "<unknown>"
	}
}

// Config tunes a single circuit.
type Config struct {
	// FailureThreshold consecutive failures trip the circuit open.
	FailureThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// HalfOpenMaxCalls caps concurrent half-open probes.
	HalfOpenMaxCalls int
	// SuccessThreshold half-open successes close the circuit again.
	SuccessThreshold int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}
}

// Counts is a snapshot of a circuit's bookkeeping.
type Counts struct {
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	HalfOpenInFlight    int
	LastFailure         time.Time
}

// Breaker is a single named circuit.
type Breaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	failures          int
	halfOpenSuccesses int
	halfOpenInFlight  int
	lastFailure       time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

func (b *Breaker) Name() string { return b.name }

// Do runs fn under the circuit. If the circuit rejects the call, ErrOpen is
// returned and fn is never invoked; otherwise fn's error (or nil) is
// recorded against the circuit and returned as-is.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.release(err)
	return err
}

// State reports the current state, applying the lazy open->half-open
// transition. Because of that laziness, State may observe a different value
// than the last explicit assignment.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked(time.Now())
}

// Counts returns a snapshot of the circuit counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentLocked(time.Now())
	return Counts{
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		HalfOpenInFlight:    b.halfOpenInFlight,
		LastFailure:         b.lastFailure,
	}
}

// currentLocked recomputes the state as a function of "now minus last
// failure". Caller must hold b.mu.
func (b *Breaker) currentLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.lastFailure) >= b.cfg.Timeout {
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
		breakerTransitions.WithLabelValues(b.name, "half_open").Inc()
	}
	return b.state
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked(time.Now()) {
	case StateClosed:
		return nil
	case StateOpen:
		breakerRejections.WithLabelValues(b.name).Inc()
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			breakerRejections.WithLabelValues(b.name).Inc()
			return ErrOpen
		}
		b.halfOpenInFlight++
		return nil
	}
	return nil
}

func (b *Breaker) release(callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if callErr != nil {
			b.failures++
			b.lastFailure = time.Now()
			if b.failures >= b.cfg.FailureThreshold {
				b.state = StateOpen
				breakerTransitions.WithLabelValues(b.name, "open").Inc()
			}
		} else {
			b.failures = 0
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if callErr != nil {
			// one bad probe and we are open again
			b.failures++
			b.lastFailure = time.Now()
			b.state = StateOpen
			breakerTransitions.WithLabelValues(b.name, "open").Inc()
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.halfOpenSuccesses = 0
			b.halfOpenInFlight = 0
			breakerTransitions.WithLabelValues(b.name, "closed").Inc()
		}
	case StateOpen:
		// a call that was admitted before the trip finished late; record
		// the failure time so the recovery window restarts
		if callErr != nil {
			b.lastFailure = time.Now()
		}
	}
}
