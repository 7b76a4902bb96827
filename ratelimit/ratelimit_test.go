package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/streetmarket/repricer/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAcquireWithinCapacity(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.NewLimiter(1000, 10)

	// bucket starts full; a full-capacity acquire should return promptly
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, 10))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterAcquireOverCapacity(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.NewLimiter(100, 5)

	// n > capacity must still complete, never deadlock
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Acquire(ctx, 12); err != nil {
			t.Error(err)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("over-capacity acquire deadlocked")
	}
}

func TestLimiterTryAcquire(t *testing.T) {
	l := ratelimit.NewLimiter(1, 2)

	assert.True(t, l.TryAcquire(2))
	// bucket drained, refill is 1/s
	assert.False(t, l.TryAcquire(2))
	// larger than capacity can never succeed immediately
	assert.False(t, l.TryAcquire(3))
}

func TestLimiterAcquireWaitsForRefill(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.NewLimiter(50, 5)
	require.NoError(t, l.Acquire(ctx, 5))

	// next acquire needs a refill of 5 tokens at 50/s => ~100ms
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, 5))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	l := ratelimit.NewLimiter(0.1, 1)
	require.NoError(t, l.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, 1)
	assert.Error(t, err)
}

func TestThrottleGrowAndDecay(t *testing.T) {
	cfg := ratelimit.DefaultThrottleConfig()
	cfg.MinDelay = 100 * time.Millisecond
	cfg.MaxDelay = 1 * time.Second
	th := ratelimit.NewAdaptiveThrottle(cfg)

	assert.Equal(t, 100*time.Millisecond, th.Delay())

	th.OnRateLimited()
	assert.Equal(t, 200*time.Millisecond, th.Delay())

	th.OnServerError()
	assert.Equal(t, 300*time.Millisecond, th.Delay())

	// growth saturates at the ceiling
	for i := 0; i < 10; i++ {
		th.OnRateLimited()
	}
	assert.Equal(t, cfg.MaxDelay, th.Delay())

	// decay saturates at the floor
	for i := 0; i < 100; i++ {
		th.OnSuccess()
	}
	assert.Equal(t, cfg.MinDelay, th.Delay())
}

func TestThrottleWaitRespectsContext(t *testing.T) {
	cfg := ratelimit.DefaultThrottleConfig()
	cfg.MinDelay = 5 * time.Second
	cfg.MaxDelay = 10 * time.Second
	cfg.JitterFraction = 0
	th := ratelimit.NewAdaptiveThrottle(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := th.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
