package pidfile

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pidIn(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

func TestTakeoverWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "bot.pid")

	f, err := Takeover(context.Background(), path, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pidIn(t, path))

	require.NoError(t, f.Release())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestTakeoverOverwritesStaleRecords(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("シグナルを使うため")
	}
	path := filepath.Join(t.TempDir(), "bot.pid")
	for name, content := range map[string]string{
		"broken":   "not-a-pid",
		"negative": "-1",
		"missing":  "4194305", // Linux の pid_max を超える
		"self":     strconv.Itoa(os.Getpid()),
	} {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644), name)
		_, err := Takeover(context.Background(), path, time.Second, nil)
		require.NoError(t, err, name)
		require.Equal(t, os.Getpid(), pidIn(t, path), name)
	}
}

func TestTakeoverStopsOldProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("シグナルを使うため")
	}
	old := exec.Command("sleep", "30")
	require.NoError(t, old.Start())
	exited := make(chan error, 1)
	go func() { exited <- old.Wait() }()

	path := filepath.Join(t.TempDir(), "bot.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(old.Process.Pid)), 0o644))

	_, err := Takeover(context.Background(), path, 5*time.Second, nil)
	require.NoError(t, err)

	select {
	case err := <-exited:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		_ = old.Process.Kill()
		t.Fatal("旧プロセスが終了していません")
	}
	require.Equal(t, os.Getpid(), pidIn(t, path))
}

func TestReleaseKeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	f, err := Takeover(context.Background(), path, time.Second, nil)
	require.NoError(t, err)

	// 後から起動した別プロセスに引き継がれた
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0o644))
	require.NoError(t, f.Release())
	require.Equal(t, 12345, pidIn(t, path))
}
