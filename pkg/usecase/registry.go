// pkg/usecase/registry.go
package usecase

import (
	"context"
	"fmt"
	"sort"
)

// StepFunc はスケジュールの1ステップを実行する関数です
type StepFunc func(ctx context.Context, uc *OvernightUseCase, st Step) error

var registry = make(map[string]StepFunc)

// Register は op 名でステップ関数を登録します
func Register(op string, fn StepFunc) {
	registry[op] = fn
}

// Get は op 名からステップ関数を引きます
func Get(op string) (StepFunc, error) {
	fn, ok := registry[op]
	if !ok {
		return nil, fmt.Errorf("未登録のステップです: %s", op)
	}
	return fn, nil
}

// Ops は登録済みの op 名一覧です
func Ops() []string {
	ops := make([]string, 0, len(registry))
	for op := range registry {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// method はメソッド式を StepFunc に合わせます
func method(fn func(*OvernightUseCase, context.Context, Step) error) StepFunc {
	return func(ctx context.Context, uc *OvernightUseCase, st Step) error { return fn(uc, ctx, st) }
}

func init() {
	Register(OpOpenBuy, method((*OvernightUseCase).openBuy))
	Register(OpStairBuy, method((*OvernightUseCase).stairBuy))
	Register(OpCancel, method((*OvernightUseCase).cancel))
	Register(OpStairSell, method((*OvernightUseCase).stairSell))
	Register(OpLimitSell, method((*OvernightUseCase).limitSell))
	Register(OpMarketSell, method((*OvernightUseCase).marketSell))
	Register(OpThresholdSell, method((*OvernightUseCase).thresholdSell))
	Register(OpSummary, method((*OvernightUseCase).summary))
	Register(OpHealth, method((*OvernightUseCase).health))
	Register(OpReconnect, method((*OvernightUseCase).reconnect))
	Register(OpShutdown, method((*OvernightUseCase).shutdown))
}
