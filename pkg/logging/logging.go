// pkg/logging/logging.go
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config はログの出力先とレベルです
type Config struct {
	Dir   string `envconfig:"LOG_DIR" default:"logs"`
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

// New は標準出力と <Dir>/<YYYYMMDD>.log の両方に JSON で書くロガーを返します。
// Dir が空ならファイルには書きません。返り値の io.Closer でファイルを閉じます。
func New(cfg Config, now time.Time) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("ログディレクトリの作成エラー: %w", err)
		}
		path := filepath.Join(cfg.Dir, now.Format("20060102")+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("ログファイルを開けません: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(h), closer, nil
}

// Component はコンポーネント名付きの子ロガーです
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}

// ParseLevel は debug / info / warn / error を slog.Level にします
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("不明なログレベルです: %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
