package kiwoom

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock は Sleep で時刻を進めるだけの時計です
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func acquireN(t *testing.T, r *RateLimiter, c *fakeClock, n int) []time.Time {
	t.Helper()
	var at []time.Time
	for i := 0; i < n; i++ {
		require.NoError(t, r.Acquire(context.Background()))
		at = append(at, c.Now())
	}
	return at
}

func TestRateLimiterKeepsMinimumSpacing(t *testing.T) {
	clock := newFakeClock()
	r := NewRateLimiter("tr", WithClock(clock))

	at := acquireN(t, r, clock, 3)
	require.Equal(t, 100*time.Millisecond, at[1].Sub(at[0]))
	require.Equal(t, 100*time.Millisecond, at[2].Sub(at[1]))
}

func TestRateLimiterSpacesFifthRequestOneSecondAfterFirst(t *testing.T) {
	clock := newFakeClock()
	r := NewRateLimiter("tr", WithClock(clock))

	at := acquireN(t, r, clock, 6)
	require.Equal(t, time.Second, at[4].Sub(at[0]))
	require.GreaterOrEqual(t, at[5].Sub(at[1]), time.Second)
	require.Equal(t, 6, r.Len())
}

func TestRateLimiterWaitsForHourWindow(t *testing.T) {
	clock := newFakeClock()
	r := NewRateLimiter("tr", WithClock(clock), WithWindow(3, time.Minute))

	at := acquireN(t, r, clock, 4)
	require.Equal(t, time.Minute, at[3].Sub(at[0]))
	require.Equal(t, 3, r.Len())
}

func TestRateLimiterStopsOnCancelledContext(t *testing.T) {
	clock := newFakeClock()
	r := NewRateLimiter("tr", WithClock(clock))
	require.NoError(t, r.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Acquire(ctx), context.Canceled)
	require.Equal(t, 1, r.Len())
}

func TestRateLimiterReportsWait(t *testing.T) {
	clock := newFakeClock()
	r := NewRateLimiter("order", WithClock(clock))
	var waits []time.Duration
	r.wait = func(name string, d time.Duration) {
		require.Equal(t, "order", name)
		waits = append(waits, d)
	}

	acquireN(t, r, clock, 2)
	require.Equal(t, []time.Duration{0, 100 * time.Millisecond}, waits)
}
