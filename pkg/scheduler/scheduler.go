// pkg/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Scheduler はチェックポイントと定期タスクをそれぞれ独立したゴルーチンで動かします。
// 1つのタスクが失敗・パニックしても他のタスクは止まりません。
type Scheduler struct {
	logger      *slog.Logger
	now         func() time.Time
	poll        time.Duration
	businessDay func(time.Time) bool
	counter     *prometheus.CounterVec

	checkpoints []*Checkpoint
	periodics   []*Periodic
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock は現在時刻の取得とポーリング間隔を差し替えます
func WithClock(now func() time.Time, poll time.Duration) Option {
	return func(s *Scheduler) {
		s.now = now
		s.poll = poll
	}
}

// WithBusinessDay は営業日判定を設定します。false の日はチェックポイントを見送ります。
func WithBusinessDay(fn func(time.Time) bool) Option {
	return func(s *Scheduler) { s.businessDay = fn }
}

// WithRegisterer はチェックポイントの結果カウンタを登録します
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_checkpoints_total",
			Help: "Checkpoint outcomes by name and state.",
		}, []string{"name", "state"})
		if reg != nil {
			reg.MustRegister(s.counter)
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		now:    time.Now,
		poll:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) AddCheckpoint(c *Checkpoint) { s.checkpoints = append(s.checkpoints, c) }

func (s *Scheduler) AddPeriodic(p *Periodic) { s.periodics = append(s.periodics, p) }

// Checkpoints は全チェックポイントの状態です
func (s *Scheduler) Checkpoints() []Status {
	out := make([]Status, 0, len(s.checkpoints))
	for _, c := range s.checkpoints {
		out = append(out, c.Status())
	}
	return out
}

// Run は ctx が終わるまで全タスクを動かし、全ゴルーチンの終了を待ちます
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("⏰ スケジューラ起動", "checkpoints", len(s.checkpoints), "periodics", len(s.periodics))

	var wg conc.WaitGroup
	for _, c := range s.checkpoints {
		wg.Go(func() { s.runCheckpoint(ctx, c) })
	}
	for _, p := range s.periodics {
		wg.Go(func() { s.runPeriodic(ctx, p) })
	}
	wg.Wait()

	s.logger.Info("スケジューラ停止")
	return ctx.Err()
}

func (s *Scheduler) runCheckpoint(ctx context.Context, c *Checkpoint) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		s.evaluate(ctx, c)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// evaluate は1回分の判定と実行です
func (s *Scheduler) evaluate(ctx context.Context, c *Checkpoint) {
	now := s.now()
	if s.businessDay != nil && !s.businessDay(now) {
		if c.Skip(now) {
			s.logger.Info("休場日のため見送り", "checkpoint", c.Name, "day", now.Format(time.DateOnly))
			s.count(c.Name, "holiday")
		}
		return
	}

	switch c.Evaluate(now) {
	case Stay:
		return
	case Miss:
		s.logger.Warn("⏭️ 実行時刻を過ぎたため見送り", "checkpoint", c.Name, "at", clock(c.At), "now", now.Format(time.TimeOnly))
		s.count(c.Name, "skipped")
		return
	}

	s.logger.Info("▶️ チェックポイント実行", "checkpoint", c.Name, "at", clock(c.At))
	err := s.safely(ctx, c.Name, c.Action)
	c.finish(err)
	if err != nil {
		s.logger.Error("❌ チェックポイント失敗", "checkpoint", c.Name, "error", err)
		s.count(c.Name, "failed")
		return
	}
	s.logger.Info("✅ チェックポイント完了", "checkpoint", c.Name, "elapsed", s.now().Sub(now))
	s.count(c.Name, "fired")
}

func (s *Scheduler) runPeriodic(ctx context.Context, p *Periodic) {
	if p.Every <= 0 {
		s.logger.Warn("周期が0以下の定期タスクは動かしません", "task", p.Name)
		return
	}
	ticker := time.NewTicker(p.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.safely(ctx, p.Name, p.Action); err != nil {
				s.logger.Error("定期タスク失敗", "task", p.Name, "error", err)
			}
		}
	}
}

// safely は action のパニックをエラーに変換して返します
func (s *Scheduler) safely(ctx context.Context, name string, action Action) (err error) {
	if action == nil {
		return nil
	}
	var pc panics.Catcher
	pc.Try(func() { err = action(ctx) })
	if r := pc.Recovered(); r != nil {
		s.logger.Error("🔥 パニックを回収しました", "task", name, "panic", r.Value, "stack", string(r.Stack))
		return r.AsError()
	}
	return err
}

func (s *Scheduler) count(name, state string) {
	if s.counter != nil {
		s.counter.WithLabelValues(name, state).Inc()
	}
}
