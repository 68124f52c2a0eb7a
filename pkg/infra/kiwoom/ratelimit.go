// pkg/infra/kiwoom/ratelimit.go
package kiwoom

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultFloorSpacing = 100 * time.Millisecond
	defaultPerSecond    = 5
	defaultWindowSize   = 1000
	defaultHourWindow   = 3610 * time.Second
)

// Clock は待機処理をテストから差し替えるための時計です
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RateLimiter はブローカーの照会制限（1秒5回・1時間1000回）を守るための待機器です。
// エラーで拒否することはなく、安全になるまで呼び出し元をブロックします。
type RateLimiter struct {
	name   string
	clock  Clock
	floor  *rate.Limiter
	logger *slog.Logger
	wait   func(limiter string, d time.Duration)

	perSecond  int
	size       int
	hourWindow time.Duration

	mu      sync.Mutex
	history []time.Time // 古い順。最大 size 件
}

// RateLimiterOption は RateLimiter の設定を変更します
type RateLimiterOption func(*RateLimiter)

// WithClock は時計を差し替えます（テスト用）
func WithClock(c Clock) RateLimiterOption {
	return func(r *RateLimiter) { r.clock = c }
}

// WithLimiterLogger はロガーを設定します
func WithLimiterLogger(l *slog.Logger) RateLimiterOption {
	return func(r *RateLimiter) { r.logger = l }
}

// WithWindow は1時間枠の件数と長さを変更します
func WithWindow(size int, window time.Duration) RateLimiterOption {
	return func(r *RateLimiter) {
		r.size = size
		r.hourWindow = window
	}
}

func NewRateLimiter(name string, opts ...RateLimiterOption) *RateLimiter {
	r := &RateLimiter{
		name:       name,
		clock:      wallClock{},
		floor:      rate.NewLimiter(rate.Every(defaultFloorSpacing), 1),
		logger:     slog.Default(),
		perSecond:  defaultPerSecond,
		size:       defaultWindowSize,
		hourWindow: defaultHourWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.history = make([]time.Time, 0, r.size)
	return r
}

// Acquire はリクエストを1件発行してよい時刻まで待ち、その時刻を記録します
func (r *RateLimiter) Acquire(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.clock.Now()

	// 最低間隔
	res := r.floor.ReserveN(start, 1)
	if err := r.clock.Sleep(ctx, res.DelayFrom(start)); err != nil {
		res.CancelAt(start)
		return err
	}

	// 1秒あたりの上限: 直近 perSecond-1 件目から1秒空ける
	if n := len(r.history); n >= r.perSecond-1 && r.perSecond > 1 {
		ref := r.history[n-(r.perSecond-1)]
		if d := ref.Add(time.Second).Sub(r.clock.Now()); d > 0 {
			if err := r.clock.Sleep(ctx, d); err != nil {
				return err
			}
		}
	}

	// 1時間あたりの上限
	if len(r.history) >= r.size {
		if d := r.history[0].Add(r.hourWindow).Sub(r.clock.Now()); d > 0 {
			r.logger.Warn("⏳ 1時間あたりの照会上限に到達。待機します", "limiter", r.name, "delay", d.String())
			if err := r.clock.Sleep(ctx, d); err != nil {
				return err
			}
		}
		r.history = r.history[1:]
	}

	now := r.clock.Now()
	r.history = append(r.history, now)
	if r.wait != nil {
		r.wait(r.name, now.Sub(start))
	}
	return nil
}

// Len は記録中のリクエスト数です
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}
