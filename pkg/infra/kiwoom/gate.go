// pkg/infra/kiwoom/gate.go
package kiwoom

import (
	"context"
	"sync"
	"time"
)

// Channel は同時に1件しか処理できない論理チャネルです
type Channel string

const (
	ChannelLogin     Channel = "login"
	ChannelReport    Channel = "report"
	ChannelWatchlist Channel = "watchlist"
	ChannelOrder     Channel = "order"
)

type outcome[T any] struct {
	val T
	err error
}

// Gate はコールバック駆動の応答を同期呼び出しに変換する1枠の future です。
// SubmitAndWait が枠を用意し、コールバック側が Resolve / Fail で完了させます。
type Gate[T any] struct {
	channel Channel

	mu    sync.Mutex
	slot  chan outcome[T]
	armed time.Time
}

func NewGate[T any](ch Channel) *Gate[T] {
	return &Gate[T]{channel: ch}
}

func (g *Gate[T]) Channel() Channel { return g.channel }

// SubmitAndWait は issue を呼んでから、コールバックによる完了・タイムアウト・ctx終了のいずれかまで待ちます。
// issue の中で同期的に Resolve されても取りこぼしません。timeout が 0 なら無期限です。
func (g *Gate[T]) SubmitAndWait(ctx context.Context, timeout time.Duration, issue func() error) (T, error) {
	var zero T

	g.mu.Lock()
	if g.slot != nil {
		g.mu.Unlock()
		return zero, ErrInFlight
	}
	slot := make(chan outcome[T], 1)
	g.slot = slot
	g.armed = time.Now()
	g.mu.Unlock()

	defer g.disarm(slot)

	if err := issue(); err != nil {
		return zero, err
	}

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case out := <-slot:
		return out.val, out.err
	case <-expire:
		return zero, ErrGateTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Resolve は待機中のリクエストを値で完了させます。待機中でなければ false です。
func (g *Gate[T]) Resolve(v T) bool {
	return g.complete(outcome[T]{val: v})
}

// Fail は待機中のリクエストをエラーで完了させます
func (g *Gate[T]) Fail(err error) bool {
	return g.complete(outcome[T]{err: err})
}

// Pending は待機中かどうかと、待機開始時刻を返します
func (g *Gate[T]) Pending() (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slot != nil, g.armed
}

func (g *Gate[T]) complete(out outcome[T]) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.slot == nil {
		return false
	}
	select {
	case g.slot <- out:
		return true
	default:
		// 既に完了済み
		return false
	}
}

func (g *Gate[T]) disarm(slot chan outcome[T]) {
	g.mu.Lock()
	if g.slot == slot {
		g.slot = nil
	}
	g.mu.Unlock()
}
