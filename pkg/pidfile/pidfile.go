// pkg/pidfile/pidfile.go
package pidfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var errStillRunning = errors.New("pidfile: 旧プロセスがまだ動いています")

// File は自分の PID を書き込んだ PID ファイルです
type File struct {
	path string
	pid  int
}

// Takeover は path に記録された旧プロセスへ SIGTERM を送り、終了を待ってから
// 自分の PID を書き込みます。記録が無い・壊れている・終了済みならそのまま上書きします。
func Takeover(ctx context.Context, path string, wait time.Duration, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	self := os.Getpid()

	if old, ok := readPID(path); ok && old != self && running(old) {
		logger.Warn("♻️ 旧プロセスを停止します", "pid", old, "file", path)
		if err := terminate(ctx, old, wait); err != nil {
			return nil, err
		}
		logger.Info("旧プロセスの停止を確認", "pid", old)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("PID ファイルのディレクトリ作成エラー: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(self)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("PID ファイルの書き込みエラー: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("PID ファイルの書き込みエラー: %w", err)
	}
	return &File{path: path, pid: self}, nil
}

// Release は PID ファイルがまだ自分のものなら削除します
func (f *File) Release() error {
	if pid, ok := readPID(f.path); !ok || pid != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func running(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func terminate(ctx context.Context, pid int, wait time.Duration) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("旧プロセス %d を停止できません: %w", pid, err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if running(pid) {
			return struct{}{}, errStillRunning
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(50*time.Millisecond)),
		backoff.WithMaxElapsedTime(wait),
	)
	if err != nil {
		return fmt.Errorf("旧プロセス %d が %s 以内に終了しません: %w", pid, wait, err)
	}
	return nil
}
