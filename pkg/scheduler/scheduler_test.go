package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var seoul = time.FixedZone("KST", 9*60*60)

func at(day int, hh, mm, ss int) time.Time {
	return time.Date(2026, 3, day, hh, mm, ss, 0, seoul)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestCheckpointFiresOncePerDay(t *testing.T) {
	c := NewCheckpoint("open_buy", 9*time.Hour+35*time.Second, time.Minute, nil)

	require.Equal(t, Stay, c.Evaluate(at(2, 9, 0, 0)))
	require.Equal(t, Waiting, c.State())

	require.Equal(t, Fire, c.Evaluate(at(2, 9, 0, 36)))
	require.Equal(t, Fired, c.State())
	require.Equal(t, Stay, c.Evaluate(at(2, 9, 0, 37)))

	// 翌日は再び待機
	require.Equal(t, Stay, c.Evaluate(at(3, 8, 59, 0)))
	require.Equal(t, Waiting, c.State())
	require.Equal(t, Fire, c.Evaluate(at(3, 9, 0, 35)))
}

func TestCheckpointMissesAfterTolerance(t *testing.T) {
	c := NewCheckpoint("cancel_buy", 11*time.Hour, 30*time.Second, nil)

	require.Equal(t, Miss, c.Evaluate(at(2, 11, 0, 31)))
	require.Equal(t, Skipped, c.State())
	require.Equal(t, Stay, c.Evaluate(at(2, 11, 0, 32)))
}

func TestCheckpointSkip(t *testing.T) {
	c := NewCheckpoint("summary", 15*time.Hour, time.Minute, nil)

	require.True(t, c.Skip(at(2, 8, 0, 0)))
	require.False(t, c.Skip(at(2, 9, 0, 0)))
	require.Equal(t, Stay, c.Evaluate(at(2, 15, 0, 0)))
	require.Equal(t, Fire, c.Evaluate(at(3, 15, 0, 0)))
}

func TestCheckpointStatus(t *testing.T) {
	c := NewCheckpoint("shutdown", 15*time.Hour+45*time.Minute+30*time.Second, time.Minute, nil)
	now := at(2, 15, 45, 30)
	require.Equal(t, Fire, c.Evaluate(now))
	c.finish(errors.New("boom"))

	st := c.Status()
	require.Equal(t, "shutdown", st.Name)
	require.Equal(t, "15:45:30", st.At)
	require.Equal(t, "fired", st.State)
	require.Equal(t, "20260302", st.Day)
	require.Equal(t, now, st.LastRun)
	require.Equal(t, "boom", st.Error)

	// 日付が変わるとエラーは消える
	c.Evaluate(at(3, 0, 0, 0))
	require.Empty(t, c.Status().Error)
}

func TestEvaluateRunsActionAndCounts(t *testing.T) {
	clk := &manualClock{now: at(2, 9, 0, 35)}
	reg := prometheus.NewRegistry()
	s := New(WithClock(clk.Now, time.Millisecond), WithRegisterer(reg))

	var runs int
	ok := NewCheckpoint("open_buy", 9*time.Hour+35*time.Second, time.Minute, func(ctx context.Context) error {
		runs++
		return nil
	})
	bad := NewCheckpoint("stair_buy", 9*time.Hour+35*time.Second, time.Minute, func(ctx context.Context) error {
		return errors.New("tr timeout")
	})
	late := NewCheckpoint("early", 8*time.Hour, time.Minute, nil)
	s.AddCheckpoint(ok)
	s.AddCheckpoint(bad)
	s.AddCheckpoint(late)

	ctx := context.Background()
	for range 3 {
		for _, c := range []*Checkpoint{ok, bad, late} {
			s.evaluate(ctx, c)
		}
	}

	require.Equal(t, 1, runs)
	// 失敗しても同じ日に再実行しない
	require.Equal(t, Fired, bad.State())
	require.Equal(t, "tr timeout", bad.Status().Error)
	require.Equal(t, Skipped, late.State())

	require.Equal(t, 1.0, testutil.ToFloat64(s.counter.WithLabelValues("open_buy", "fired")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.counter.WithLabelValues("stair_buy", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.counter.WithLabelValues("early", "skipped")))
	require.Len(t, s.Checkpoints(), 3)
}

func TestEvaluateSkipsHolidays(t *testing.T) {
	clk := &manualClock{now: at(1, 9, 0, 35)} // 3/1 は祝日扱い
	s := New(WithClock(clk.Now, time.Millisecond), WithBusinessDay(func(t time.Time) bool { return t.Day() != 1 }))

	var runs int
	c := NewCheckpoint("open_buy", 9*time.Hour+35*time.Second, time.Minute, func(ctx context.Context) error {
		runs++
		return nil
	})
	s.evaluate(context.Background(), c)
	require.Zero(t, runs)
	require.Equal(t, Skipped, c.State())

	clk.Set(at(2, 9, 0, 35))
	s.evaluate(context.Background(), c)
	require.Equal(t, 1, runs)
}

func TestSafelyRecoversPanic(t *testing.T) {
	s := New()
	err := s.safely(context.Background(), "boom", func(ctx context.Context) error {
		panic("nil map")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil map")

	require.NoError(t, s.safely(context.Background(), "nil", nil))
}

func TestRunDrivesCheckpointsAndPeriodics(t *testing.T) {
	clk := &manualClock{now: at(2, 9, 0, 35)}
	s := New(WithClock(clk.Now, time.Millisecond))

	fired := make(chan struct{}, 1)
	s.AddCheckpoint(NewCheckpoint("open_buy", 9*time.Hour+35*time.Second, time.Minute, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}))
	s.AddCheckpoint(NewCheckpoint("panicky", 9*time.Hour+35*time.Second, time.Minute, func(ctx context.Context) error {
		panic("step blew up")
	}))

	var ticks atomic.Int32
	s.AddPeriodic(&Periodic{Name: "health", Every: time.Millisecond, Action: func(ctx context.Context) error {
		ticks.Add(1)
		return errors.New("not connected")
	}})
	s.AddPeriodic(&Periodic{Name: "disabled", Every: 0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("checkpoint did not fire")
	}
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	for _, st := range s.Checkpoints() {
		require.Equal(t, "fired", st.State, st.Name)
	}
}
