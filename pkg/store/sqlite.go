// pkg/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id      TEXT PRIMARY KEY,
	kind    TEXT NOT NULL,
	at      INTEGER NOT NULL,
	day     TEXT NOT NULL,
	fields  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_kind_day ON events (kind, day);
`

// SQLiteStore は通知を1テーブルに追記します。項目は JSON で保存します。
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "overnight.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	// 書き込みは1本に絞る
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA synchronous = NORMAL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("テーブル作成エラー: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, kind string, at time.Time, fields map[string]string) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, at, day, fields) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), kind, at.UnixMicro(), at.Format("20060102"), string(data))
	if err != nil {
		return fmt.Errorf("通知の保存エラー (%s): %w", kind, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, kind string, day time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, fields FROM events WHERE kind = ? AND day = ? ORDER BY at, rowid`,
		kind, day.Format("20060102"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev     Event
			micros int64
			raw    string
		)
		if err := rows.Scan(&ev.ID, &micros, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &ev.Fields); err != nil {
			return nil, fmt.Errorf("項目の復元エラー (%s): %w", ev.ID, err)
		}
		ev.Kind = kind
		ev.At = time.UnixMicro(micros).In(day.Location())
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
