// Package ratelimit gates outbound marketplace traffic. It combines a hard
// token-bucket ceiling (Limiter) with a soft self-tuning backoff
// (AdaptiveThrottle) that reacts to what the remote side is actually doing.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket gate in front of all marketplace network calls.
// Acquire never rejects: callers are delayed until tokens are available.
type Limiter struct {
	rl    *rate.Limiter
	burst int

	admitted atomic.Int64
	delayed  atomic.Int64
}

// NewLimiter creates a limiter admitting ratePerSec tokens per second with
// the given burst capacity.
func NewLimiter(ratePerSec float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rl:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		burst: burst,
	}
}

// Acquire blocks until n tokens are available. Requests larger than the
// bucket capacity are drained in capacity-sized chunks, so they still
// complete after a proportional wait rather than erroring out.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	for n > 0 {
		take := n
		if take > l.burst {
			take = l.burst
		}
		if !l.rl.AllowN(time.Now(), take) {
			l.delayed.Add(1)
			if err := l.rl.WaitN(ctx, take); err != nil {
				return err
			}
		}
		n -= take
	}
	l.admitted.Add(1)
	return nil
}

// TryAcquire is the non-blocking variant. Requests larger than the bucket
// capacity can never be admitted immediately and always return false.
func (l *Limiter) TryAcquire(n int) bool {
	if n < 1 {
		n = 1
	}
	if n > l.burst {
		return false
	}
	ok := l.rl.AllowN(time.Now(), n)
	if ok {
		l.admitted.Add(1)
	}
	return ok
}

// Stats reports how many acquisitions were admitted and how many of those
// had to wait for a refill.
func (l *Limiter) Stats() (admitted, delayed int64) {
	return l.admitted.Load(), l.delayed.Load()
}
