// pkg/engine/schedule.go
package engine

import (
	"context"
	"time"

	"github.com/r-umemoto/overnight-bot/pkg/scheduler"
	"github.com/r-umemoto/overnight-bot/pkg/usecase"
)

// stepRunner は名前付きのステップ列を実行します（*usecase.OvernightUseCase）
type stepRunner interface {
	Run(ctx context.Context, name string, steps []usecase.Step) error
}

// buildSchedule はカタログをスケジューラのタスクに変換します。無効化されたものは登録しません。
func buildSchedule(s *scheduler.Scheduler, runner stepRunner, entries []usecase.Entry, repeats []usecase.Repeat, tolerance time.Duration) error {
	for _, e := range entries {
		if e.Disabled {
			continue
		}
		at, err := usecase.ParseClock(e.At)
		if err != nil {
			return err
		}
		s.AddCheckpoint(scheduler.NewCheckpoint(e.Name, at, tolerance, stepsAction(runner, e.Name, e.Steps)))
	}
	for _, r := range repeats {
		if r.Disabled {
			continue
		}
		s.AddPeriodic(&scheduler.Periodic{
			Name:   r.Name,
			Every:  r.Every,
			Action: stepsAction(runner, r.Name, r.Steps),
		})
	}
	return nil
}

func stepsAction(runner stepRunner, name string, steps []usecase.Step) scheduler.Action {
	return func(ctx context.Context) error {
		return runner.Run(ctx, name, steps)
	}
}

// clockIn は loc の現在時刻を返す関数です
func clockIn(loc *time.Location) func() time.Time {
	return func() time.Time { return time.Now().In(loc) }
}
