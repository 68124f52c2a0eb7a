// pkg/domain/service/order_sweeper.go
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
	"github.com/r-umemoto/overnight-bot/pkg/domain/strategy"
)

// ErrSweepIncomplete は上限回数まで取消しても未約定注文が残った場合のエラーです
var ErrSweepIncomplete = errors.New("取消後も未約定注文が残っています")

// orderBroker は取消スイープに必要な最小限のブローカー機能です
type orderBroker interface {
	OpenOrders(ctx context.Context) ([]market.OpenOrder, error)
	SendOrders(ctx context.Context, reqs []market.OrderRequest) []market.OrderResult
}

// OrderSweeper は未約定注文がなくなるまで取消を繰り返すサービスです。
// 取消と再確認の間に Settle だけ待ち、MaxRounds 回で諦めます。
type OrderSweeper struct {
	broker    orderBroker
	logger    *slog.Logger
	MaxRounds int
	Settle    time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrderSweeper(broker orderBroker, logger *slog.Logger, maxRounds int) *OrderSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &OrderSweeper{
		broker:    broker,
		logger:    logger,
		MaxRounds: maxRounds,
		Settle:    time.Second,
		sleep:     sleepCtx,
	}
}

// Sweep は side に一致する未約定注文をすべて取り消します（side が空なら全注文）。
// symbols を指定した場合はその銘柄の注文だけが対象です。
// 戻り値は受け付けられた取消注文の件数です。
func (s *OrderSweeper) Sweep(ctx context.Context, side market.Action, symbols ...string) (int, error) {
	sent := 0
	for round := 1; round <= s.MaxRounds; round++ {
		orders, err := s.broker.OpenOrders(ctx)
		if err != nil {
			return sent, fmt.Errorf("未約定注文の取得エラー: %w", err)
		}

		if len(symbols) > 0 {
			orders = slices.DeleteFunc(orders, func(o market.OpenOrder) bool {
				return !slices.Contains(symbols, o.Symbol)
			})
		}
		reqs := strategy.Cancels(orders, side, "sweep")
		if len(reqs) == 0 {
			if sent > 0 {
				s.logger.Info("✅ 未約定注文の取消完了", "side", side, "cancelled", sent, "rounds", round-1)
			}
			return sent, nil
		}

		s.logger.Info("🛑 未約定注文を取り消します", "side", side, "count", len(reqs), "round", round)
		for _, r := range s.broker.SendOrders(ctx, reqs) {
			if r.Err != nil || !r.Accepted {
				s.logger.Warn("取消失敗", "symbol", r.Request.Symbol, "order_id", r.Request.OriginalOrderID,
					"message", r.Message, "error", r.Err)
				continue
			}
			sent++
		}

		// 取引所側で取消が反映されるのを待つ
		if err := s.sleep(ctx, s.Settle); err != nil {
			return sent, err
		}
	}

	s.logger.Error("🚨 取消の上限回数に達しました", "side", side, "rounds", s.MaxRounds)
	return sent, fmt.Errorf("%w (side=%q, rounds=%d)", ErrSweepIncomplete, side, s.MaxRounds)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
