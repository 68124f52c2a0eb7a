// pkg/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc"

	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
	"github.com/r-umemoto/overnight-bot/pkg/infra/kiwoom"
	"github.com/r-umemoto/overnight-bot/pkg/infra/status"
	"github.com/r-umemoto/overnight-bot/pkg/scheduler"
	"github.com/r-umemoto/overnight-bot/pkg/store"
	"github.com/r-umemoto/overnight-bot/pkg/usecase"
)

// Engine はシステム全体のライフサイクル（初期化、実行、停止）を管理する司令部です
type Engine struct {
	bridge    *kiwoom.Bridge
	gateway   market.MarketGateway
	usecase   *usecase.OvernightUseCase
	scheduler *scheduler.Scheduler
	status    *status.Server
	store     store.Store
	logger    *slog.Logger
}

// Run はブローカーに接続し、shutdown チェックポイントか ctx の終了までスケジュールを動かします
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// shutdown ステップでエンジン全体を止める
	e.usecase.OnShutdown(cancel)

	e.logger.Info("🔌 ブリッジに接続します...")
	if err := e.bridge.Start(ctx); err != nil {
		return fmt.Errorf("ブリッジ接続エラー: %w", err)
	}
	defer e.bridge.Close()

	if err := e.gateway.Connect(ctx); err != nil {
		// 接続できなくても reconnect タスクに任せて続行する
		e.logger.Error("ログイン失敗。定期タスクで再接続します", "error", err)
	}

	var wg conc.WaitGroup
	var statusErr error
	if e.status != nil {
		wg.Go(func() { statusErr = e.status.Run(ctx) })
	}

	e.logger.Info("🚀 スケジュールを開始します...")
	err := e.scheduler.Run(ctx)
	cancel()
	wg.Wait()

	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil {
			e.logger.Error("保存先のクローズエラー", "error", cerr)
		}
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, statusErr)
}
