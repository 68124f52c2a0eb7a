// cmd/bot/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/r-umemoto/overnight-bot/pkg/config"
	"github.com/r-umemoto/overnight-bot/pkg/engine"
	"github.com/r-umemoto/overnight-bot/pkg/logging"
	"github.com/r-umemoto/overnight-bot/pkg/pidfile"
)

func main() {
	// 1. 全体を安全に停止するためのコンテキスト管理（Ctrl+C / SIGTERM）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みエラー: %v", err)
	}

	logger, closer, err := logging.New(cfg.Log, time.Now())
	if err != nil {
		log.Fatalf("ロガーの初期化エラー: %v", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	// 2. 前回のプロセスが残っていれば止めて引き継ぐ
	if cfg.PIDFile != "" {
		pf, err := pidfile.Takeover(ctx, cfg.PIDFile, 10*time.Second, logging.Component(logger, "pidfile"))
		if err != nil {
			logger.Error("PID ファイルの取得エラー", "file", cfg.PIDFile, "error", err)
			os.Exit(1)
		}
		defer pf.Release()
	}

	st, err := config.LoadStrategy(cfg.StrategyFile)
	if err != nil {
		logger.Error("戦略ファイルの読み込みエラー", "file", cfg.StrategyFile, "error", err)
		os.Exit(1)
	}
	logger.Info("システム起動", "candidates", len(st.Candidates), "bridge", cfg.Kiwoom.BridgeURL)

	eng, err := engine.BuildEngine(ctx, cfg, st, logger)
	if err != nil {
		logger.Error("エンジンの構築エラー", "error", err)
		os.Exit(1)
	}

	if err := eng.Run(ctx); err != nil {
		logger.Error("異常終了", "error", err)
		os.Exit(1)
	}
	logger.Info("システムを安全にシャットダウンしました")
}
