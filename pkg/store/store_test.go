package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var kst = time.FixedZone("KST", 9*60*60)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	fs, err := Open(ctx, "file", filepath.Join(t.TempDir(), "events"))
	require.NoError(t, err)
	db, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, fs.Close())
		require.NoError(t, db.Close())
	})
	return map[string]Store{"file": fs, "sqlite": db}
}

func TestPutAndListByKindAndDay(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, kst)
	t1 := time.Date(2026, 3, 2, 9, 0, 35, 123_456_000, kst)
	t2 := t1.Add(time.Second)

	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			// 後の時刻を先に書いても時刻順で返る
			require.NoError(t, s.Put(ctx, "orders_executed", t2, map[string]string{"9001": "000660", "911": "3"}))
			require.NoError(t, s.Put(ctx, "orders_executed", t1, map[string]string{"9001": "005930", "911": "40"}))
			require.NoError(t, s.Put(ctx, "orders_submitted", t1, map[string]string{"9001": "005930"}))
			require.NoError(t, s.Put(ctx, "orders_executed", t1.AddDate(0, 0, 1), map[string]string{"9001": "035720"}))

			events, err := s.List(ctx, "orders_executed", day)
			require.NoError(t, err)
			require.Len(t, events, 2)
			require.Equal(t, "005930", events[0].Fields["9001"])
			require.Equal(t, "40", events[0].Fields["911"])
			require.Equal(t, "000660", events[1].Fields["9001"])
			require.Equal(t, "orders_executed", events[0].Kind)
			require.True(t, events[0].At.Equal(t1), "%v != %v", events[0].At, t1)
			require.NotEmpty(t, events[0].ID)
			require.NotEqual(t, events[0].ID, events[1].ID)

			none, err := s.List(ctx, "trading_summary", day)
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 15, 35, 30, 1_000, kst)
	require.NoError(t, s.Put(context.Background(), "trading_summary", at, map[string]string{"BASC_DT": "2026-03-02"}))

	entries, err := os.ReadDir(filepath.Join(dir, "20260302"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Regexp(t, `^trading_summary-20260302153530000001-[0-9a-f-]{8}\.json$`, entries[0].Name())
}

func TestFileStoreListMissingDay(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	events, err := s.List(context.Background(), "orders_executed", time.Now())
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestFileStoreRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "20260302"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260302", "orders_executed-x.json"), []byte("{"), 0o644))

	_, err = s.List(context.Background(), "orders_executed", time.Date(2026, 3, 2, 0, 0, 0, 0, kst))
	require.Error(t, err)
}

func TestOpenDrivers(t *testing.T) {
	s, err := Open(context.Background(), "none", "")
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = Open(context.Background(), "postgres", "")
	require.Error(t, err)
}

func TestOpenFailureReturnsNilStore(t *testing.T) {
	// 通常ファイルの下にはディレクトリを作れない
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	s, err := Open(context.Background(), "file", filepath.Join(blocker, "events"))
	require.Error(t, err)
	require.True(t, s == nil)
}

func TestPutHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, s := range openStores(t) {
		err := s.Put(ctx, "orders_executed", time.Now(), nil)
		require.Error(t, err, name)
	}
}
