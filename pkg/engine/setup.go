// pkg/engine/setup.go
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/r-umemoto/overnight-bot/pkg/config"
	"github.com/r-umemoto/overnight-bot/pkg/domain/service"
	"github.com/r-umemoto/overnight-bot/pkg/infra/kiwoom"
	"github.com/r-umemoto/overnight-bot/pkg/infra/status"
	"github.com/r-umemoto/overnight-bot/pkg/logging"
	"github.com/r-umemoto/overnight-bot/pkg/scheduler"
	"github.com/r-umemoto/overnight-bot/pkg/store"
	"github.com/r-umemoto/overnight-bot/pkg/usecase"
)

// BuildEngine は、システム全体を俯瞰する「目次」です
func BuildEngine(ctx context.Context, cfg *config.AppConfig, st *config.Strategy, logger *slog.Logger) (_ *Engine, err error) {
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("タイムゾーンを読めません: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 1. 保存先
	events, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("保存先の初期化に失敗: %w", err)
	}
	defer func() {
		if err != nil && events != nil {
			_ = events.Close()
		}
	}()

	// 2. インフラ層の構築（泥臭い設定はすべてここへ）
	bridge, session, gateway := buildInfrastructure(cfg, loc, events, reg, logger)

	// 3. ユースケースとサービスの組み立て
	sweeper := service.NewOrderSweeper(gateway, logging.Component(logger, "sweeper"), st.SweepRounds)
	var sink usecase.EventSink
	if events != nil {
		sink = events
	}
	uc := usecase.NewOvernightUseCase(gateway, sweeper, sink, st.Params(), logging.Component(logger, "usecase"))
	uc.SetClock(clockIn(loc))

	// 4. スケジュール
	entries, err := usecase.MergeCatalog(usecase.DefaultCatalog(), st.Schedule)
	if err != nil {
		return nil, err
	}
	repeats, err := usecase.MergeRepeats(usecase.DefaultRepeats(), st.Periodic)
	if err != nil {
		return nil, err
	}
	cal := newKRXCalendar(loc, logger)
	sched := scheduler.New(
		scheduler.WithLogger(logging.Component(logger, "scheduler")),
		scheduler.WithClock(clockIn(loc), time.Second),
		scheduler.WithBusinessDay(cal.IsBusinessDay),
		scheduler.WithRegisterer(reg),
	)
	if err = buildSchedule(sched, uc, entries, repeats, st.Tolerance); err != nil {
		return nil, err
	}

	// 5. ステータスサーバー
	var srv *status.Server
	if cfg.StatusAddr != "" {
		srv = status.NewServer(cfg.StatusAddr, session, sched, reg, logging.Component(logger, "status"))
	}

	// 6. エンジンの完成
	return &Engine{
		bridge:    bridge,
		gateway:   gateway,
		usecase:   uc,
		scheduler: sched,
		status:    srv,
		store:     events,
		logger:    logger,
	}, nil
}

// ---------------------------------------------------------
// ▼ ここから下は「下請け工場（プライベート関数）」に押し込む
// ---------------------------------------------------------

func buildInfrastructure(cfg *config.AppConfig, loc *time.Location, events store.Store, reg prometheus.Registerer, logger *slog.Logger) (*kiwoom.Bridge, *kiwoom.Session, *kiwoom.MarketGateway) {
	kc := cfg.Kiwoom
	bridge := kiwoom.NewBridge(kc.BridgeURL, kc.CallTimeout, logging.Component(logger, "bridge"))

	sessionLogger := logging.Component(logger, "session")
	opts := []kiwoom.SessionOption{
		kiwoom.WithLogger(sessionLogger),
		kiwoom.WithMetrics(kiwoom.NewMetrics(reg)),
		kiwoom.WithTimeouts(kc.LoginTimeout, kc.ReportTimeout, kc.WatchlistTimeout, kc.OrderTimeout),
		kiwoom.WithSessionClock(clockIn(loc)),
		kiwoom.WithLimiters(
			kiwoom.NewRateLimiter("tr", kiwoom.WithLimiterLogger(sessionLogger)),
			kiwoom.NewRateLimiter("order", kiwoom.WithLimiterLogger(sessionLogger)),
		),
	}
	if events != nil {
		opts = append(opts, kiwoom.WithEventSink(events))
	}
	session := kiwoom.NewSession(bridge, opts...)

	feeder := kiwoom.NewFeeder(session, session.Decoder().Table(), logging.Component(logger, "feeder"))
	executor := kiwoom.NewExecutor(session, logging.Component(logger, "executor"))
	gateway := kiwoom.NewMarketGateway(session, feeder, executor, kc.AccountNo)
	return bridge, session, gateway
}
