// pkg/usecase/catalog.go
package usecase

import (
	"fmt"
	"time"

	"github.com/r-umemoto/overnight-bot/pkg/domain/strategy"
)

// Entry は1日1回、指定時刻に実行する操作の組です
type Entry struct {
	Name     string `yaml:"name"`
	At       string `yaml:"at"` // HH:MM:SS
	Disabled bool   `yaml:"disabled,omitempty"`
	Steps    []Step `yaml:"steps,omitempty"`
}

// Repeat はプロセスが動いている間くり返す操作です
type Repeat struct {
	Name     string        `yaml:"name"`
	Every    time.Duration `yaml:"every"`
	Disabled bool          `yaml:"disabled,omitempty"`
	Steps    []Step        `yaml:"steps,omitempty"`
}

func sweep(side string) Step { return Step{Op: OpCancel, Side: side} }

func legs(l ...strategy.SellLeg) Step { return Step{Op: OpLimitSell, Legs: l} }

// DefaultCatalog は毎営業日の売買スケジュールです
func DefaultCatalog() []Entry {
	return []Entry{
		{Name: "open_buy", At: "09:00:35", Steps: []Step{{Op: OpOpenBuy}}},
		{Name: "stair_buy", At: "09:01:05", Steps: []Step{{Op: OpStairBuy}}},
		{Name: "cancel_buy", At: "11:00:00", Steps: []Step{sweep("buy")}},

		{Name: "stair_sell_1", At: "14:32:30", Steps: []Step{sweep(""), {Op: OpStairSell, Weight: 1.0}}},
		{Name: "stair_sell_2", At: "14:43:00", Steps: []Step{sweep(""), {Op: OpStairSell, Weight: 1.0}}},

		{Name: "limit_sell_1", At: "15:01:52", Steps: []Step{sweep(""), legs(
			strategy.SellLeg{Tick: 0, Weight: 0.5},
			strategy.SellLeg{Tick: -1, Weight: 0.25},
		)}},
		{Name: "limit_sell_2", At: "15:05:52", Steps: []Step{legs(
			strategy.SellLeg{Tick: 0, Weight: 0.6},
			strategy.SellLeg{Tick: -1, Weight: 0.3},
		)}},
		{Name: "limit_sell_3", At: "15:10:03", Steps: []Step{sweep(""), legs(
			strategy.SellLeg{Tick: 0, Weight: 0.7},
			strategy.SellLeg{Tick: -1, Weight: 0.3},
		)}},

		{Name: "market_sell_1", At: "15:13:32", Steps: []Step{sweep(""), {Op: OpMarketSell, Weight: 0.3}, {Op: OpLimitSell, Weight: 1.0}}},
		{Name: "market_sell_2", At: "15:16:12", Steps: []Step{sweep(""), {Op: OpMarketSell, Weight: 0.4}, {Op: OpLimitSell, Weight: 1.0}}},
		{Name: "market_sell_3", At: "15:18:25", Steps: []Step{sweep(""), {Op: OpMarketSell, Weight: 0.5}, {Op: OpLimitSell, Weight: 1.0}}},
		{Name: "market_sell_4", At: "15:21:05", Steps: []Step{sweep(""), {Op: OpMarketSell, Weight: 1.0}}},

		{Name: "summary", At: "15:35:30", Steps: []Step{{Op: OpSummary}}},
		{Name: "shutdown", At: "15:45:30", Steps: []Step{{Op: OpShutdown}}},
	}
}

// DefaultRepeats は常時動かす監視タスクです
func DefaultRepeats() []Repeat {
	return []Repeat{
		{Name: "health", Every: 30 * time.Second, Steps: []Step{{Op: OpHealth}}},
		{Name: "reconnect", Every: 600 * time.Second, Steps: []Step{{Op: OpReconnect}}},
	}
}

// MergeCatalog は base に overrides を名前で重ねます。
// 既存の名前は At / Steps / Disabled の指定分だけ上書きし、新しい名前は末尾に追加します。
func MergeCatalog(base, overrides []Entry) ([]Entry, error) {
	out := make([]Entry, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, e := range out {
		index[e.Name] = i
	}

	for _, o := range overrides {
		i, ok := index[o.Name]
		if !ok {
			if o.At == "" || len(o.Steps) == 0 {
				return nil, fmt.Errorf("新しいチェックポイント %q には at と steps が必要です", o.Name)
			}
			index[o.Name] = len(out)
			out = append(out, o)
			continue
		}
		if o.At != "" {
			out[i].At = o.At
		}
		if o.Steps != nil {
			out[i].Steps = o.Steps
		}
		out[i].Disabled = o.Disabled
	}

	for _, e := range out {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MergeRepeats は MergeCatalog と同じ規則で監視タスクを重ねます
func MergeRepeats(base, overrides []Repeat) ([]Repeat, error) {
	out := make([]Repeat, len(base))
	copy(out, base)
	index := make(map[string]int, len(out))
	for i, r := range out {
		index[r.Name] = i
	}
	for _, o := range overrides {
		i, ok := index[o.Name]
		if !ok {
			if o.Every <= 0 || len(o.Steps) == 0 {
				return nil, fmt.Errorf("新しい監視タスク %q には every と steps が必要です", o.Name)
			}
			index[o.Name] = len(out)
			out = append(out, o)
			continue
		}
		if o.Every > 0 {
			out[i].Every = o.Every
		}
		if o.Steps != nil {
			out[i].Steps = o.Steps
		}
		out[i].Disabled = o.Disabled
	}
	for _, r := range out {
		if err := validateSteps(r.Name, r.Steps); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Validate は時刻の書式と op 名を確認します
func (e Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("チェックポイント名が空です")
	}
	if _, err := ParseClock(e.At); err != nil {
		return fmt.Errorf("チェックポイント %q: %w", e.Name, err)
	}
	return validateSteps(e.Name, e.Steps)
}

func validateSteps(name string, steps []Step) error {
	for _, st := range steps {
		if _, err := Get(st.Op); err != nil {
			return fmt.Errorf("%q: %w", name, err)
		}
		if st.Weight < 0 || st.Weight > 1 {
			return fmt.Errorf("%q: 売却割合は 0〜1 で指定してください: %v", name, st.Weight)
		}
	}
	return nil
}

// ParseClock は "HH:MM:SS" を 0時からの経過時間にします
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse(time.TimeOnly, s)
	if err != nil {
		return 0, fmt.Errorf("時刻の書式が不正です（HH:MM:SS）: %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, nil
}
