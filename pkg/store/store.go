// pkg/store/store.go
package store

import (
	"context"
	"fmt"
	"time"
)

// Event は保存された1件の通知です
type Event struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	At     time.Time         `json:"at"`
	Fields map[string]string `json:"fields"`
}

// Store は注文・約定通知と売買結果の保存先です
type Store interface {
	Put(ctx context.Context, kind string, at time.Time, fields map[string]string) error
	List(ctx context.Context, kind string, day time.Time) ([]Event, error)
	Close() error
}

// Open は driver に応じた Store を返します。"none" なら nil を返します。
func Open(ctx context.Context, driver, path string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "file":
		s, err = NewFileStore(path)
	case "sqlite":
		s, err = NewSQLiteStore(ctx, path)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("未対応の保存先です: %s", driver)
	}
	// 失敗時に型付き nil を返さない
	if err != nil {
		return nil, err
	}
	return s, nil
}
