// pkg/scheduler/checkpoint.go
package scheduler

import (
	"context"
	"sync"
	"time"
)

// State はチェックポイントのその日の状態です
type State int

const (
	Waiting State = iota // 実行時刻待ち
	Fired                // 実行済み（成否は問わない）
	Skipped              // 時刻を過ぎた、または休場日
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Fired:
		return "fired"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Transition は Evaluate による状態遷移です
type Transition int

const (
	Stay Transition = iota // 変化なし
	Fire                   // Waiting → Fired。ここで処理を実行する
	Miss                   // Waiting → Skipped（時刻超過）
)

// Action はチェックポイントや定期タスクで実行する処理です
type Action func(ctx context.Context) error

// Checkpoint は1日1回だけ At（0時からの経過時間）に実行する処理です。
// At から Tolerance 以内に評価されなければその日は Skipped になります。
type Checkpoint struct {
	Name      string
	At        time.Duration
	Tolerance time.Duration
	Action    Action

	mu      sync.Mutex
	day     string
	state   State
	lastRun time.Time
	lastErr error
}

// Status は状態の読み取り専用コピーです
type Status struct {
	Name    string    `json:"name"`
	At      string    `json:"at"`
	State   string    `json:"state"`
	Day     string    `json:"day,omitempty"`
	LastRun time.Time `json:"last_run,omitzero"`
	Error   string    `json:"error,omitempty"`
}

func NewCheckpoint(name string, at, tolerance time.Duration, action Action) *Checkpoint {
	return &Checkpoint{Name: name, At: at, Tolerance: tolerance, Action: action}
}

// Evaluate は now 時点の状態遷移を決めます。
// Fire を返すのは1日1回だけです。日付が変わると Waiting に戻ります。
func (c *Checkpoint) Evaluate(now time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(now)
	if c.state != Waiting {
		return Stay
	}

	y, m, d := now.Date()
	at := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Add(c.At)
	switch {
	case now.Before(at):
		return Stay
	case now.After(at.Add(c.Tolerance)):
		c.state = Skipped
		return Miss
	default:
		c.state = Fired
		c.lastRun = now
		return Fire
	}
}

// Skip はその日の実行を見送ります（休場日など）。Waiting のときだけ有効です。
func (c *Checkpoint) Skip(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover(now)
	if c.state != Waiting {
		return false
	}
	c.state = Skipped
	return true
}

func (c *Checkpoint) rollover(now time.Time) {
	day := now.Format("20060102")
	if c.day != day {
		c.day = day
		c.state = Waiting
		c.lastErr = nil
	}
}

func (c *Checkpoint) finish(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// State は現在の状態です
func (c *Checkpoint) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status は状態のスナップショットです
func (c *Checkpoint) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Name:    c.Name,
		At:      clock(c.At),
		State:   c.state.String(),
		Day:     c.day,
		LastRun: c.lastRun,
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	return st
}

// Periodic はプロセスの生存中 Every ごとにくり返す処理です。
// 最初の実行は起動から Every 後です。
type Periodic struct {
	Name   string
	Every  time.Duration
	Action Action
}

func clock(d time.Duration) string {
	t := time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(d)
	return t.Format(time.TimeOnly)
}
