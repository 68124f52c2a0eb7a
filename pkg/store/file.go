// pkg/store/file.go
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// FileStore は1通知1ファイルの JSON で保存します。
// ファイルは <dir>/<YYYYMMDD>/<kind>-<YYYYmmddHHMMSSffffff>-<id>.json です。
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("保存ディレクトリの作成エラー: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(ctx context.Context, kind string, at time.Time, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev := Event{ID: uuid.NewString(), Kind: kind, At: at, Fields: fields}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	dayDir := filepath.Join(s.dir, at.Format("20060102"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s%06d-%s.json", kind, at.Format("20060102150405"), at.Nanosecond()/1000, ev.ID[:8])

	// 書きかけのファイルを読ませないよう一時ファイルから rename する
	tmp := filepath.Join(dayDir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dayDir, name))
}

func (s *FileStore) List(ctx context.Context, kind string, day time.Time) ([]Event, error) {
	dayDir := filepath.Join(s.dir, day.Format("20060102"))
	entries, err := os.ReadDir(dayDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || !strings.HasPrefix(name, kind+"-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dayDir, name))
		if err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%s の読み込みエラー: %w", name, err)
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events, nil
}

func (s *FileStore) Close() error { return nil }
