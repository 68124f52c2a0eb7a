// pkg/usecase/overnight.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
	"github.com/r-umemoto/overnight-bot/pkg/domain/service"
	"github.com/r-umemoto/overnight-bot/pkg/domain/strategy"
)

const (
	OpOpenBuy       = "open_buy"
	OpStairBuy      = "stair_buy"
	OpCancel        = "cancel"
	OpStairSell     = "stair_sell"
	OpLimitSell     = "limit_sell"
	OpMarketSell    = "market_sell"
	OpThresholdSell = "threshold_sell"
	OpSummary       = "summary"
	OpHealth        = "health"
	OpReconnect     = "reconnect"
	OpShutdown      = "shutdown"
)

// SummaryKind は売買結果を保存するときの種別名です
const SummaryKind = "trading_summary"

// Step はスケジュールの1操作です。どの項目を使うかは Op によります。
type Step struct {
	Op        string             `yaml:"op"`
	Side      string             `yaml:"side,omitempty"`      // cancel: buy | sell | 空で全部
	Weight    float64            `yaml:"weight,omitempty"`    // 保有数量に対する売却割合
	Threshold float64            `yaml:"threshold,omitempty"` // threshold_sell: 損益率
	Legs      []strategy.SellLeg `yaml:"legs,omitempty"`      // limit_sell
}

// Params は戦略ファイルから与えられる売買条件です
type Params struct {
	Candidates  []string
	MinNotional int64
	MaxNotional int64
	TotalCap    int64
	Steps       int
}

// EventSink は売買結果の保存先です
type EventSink interface {
	Put(ctx context.Context, kind string, at time.Time, fields map[string]string) error
}

// OvernightUseCase は1日の売買スケジュールの各操作を実行するユースケースです。
// 売りと取消は候補銘柄にだけ作用し、それ以外の保有銘柄には触れません。
type OvernightUseCase struct {
	gateway market.MarketGateway
	sweeper *service.OrderSweeper
	sink    EventSink
	logger  *slog.Logger
	params  Params
	now     func() time.Time
	onStop  func()

	mu      sync.Mutex
	markets map[string]market.Market
}

func NewOvernightUseCase(gateway market.MarketGateway, sweeper *service.OrderSweeper, sink EventSink, params Params, logger *slog.Logger) *OvernightUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &OvernightUseCase{
		gateway: gateway,
		sweeper: sweeper,
		sink:    sink,
		logger:  logger,
		params:  params,
		now:     time.Now,
		markets: make(map[string]market.Market),
	}
}

// OnShutdown は shutdown ステップで呼ばれる関数を設定します
func (u *OvernightUseCase) OnShutdown(fn func()) { u.onStop = fn }

// SetClock は集計日と保存時刻の基準になる時計を差し替えます
func (u *OvernightUseCase) SetClock(fn func() time.Time) { u.now = fn }

// Run は steps を順に実行します。途中で失敗しても残りのステップは実行し、
// すべてのエラーをまとめて返します。
func (u *OvernightUseCase) Run(ctx context.Context, name string, steps []Step) error {
	var errs []error
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		fn, err := Get(st.Op)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		start := u.now()
		if err := fn(ctx, u, st); err != nil {
			u.logger.Error("❌ ステップ失敗", "checkpoint", name, "op", st.Op, "error", err)
			errs = append(errs, fmt.Errorf("%s/%s: %w", name, st.Op, err))
			continue
		}
		u.logger.Debug("ステップ完了", "checkpoint", name, "op", st.Op, "elapsed", u.now().Sub(start))
	}
	return errors.Join(errs...)
}

// planner は候補銘柄の市場区分を引いた上で Planner を返します
func (u *OvernightUseCase) planner(ctx context.Context, symbols []string) *strategy.Planner {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range symbols {
		if _, ok := u.markets[s]; ok {
			continue
		}
		m, err := u.gateway.MarketOf(ctx, s)
		if err != nil {
			u.logger.Warn("市場区分の取得失敗、KOSPI の呼値で計算します", "symbol", s, "error", err)
			continue
		}
		u.markets[s] = m
	}
	return strategy.NewPlanner(maps.Clone(u.markets), u.params.Steps)
}

// buyCandidates は取引可能な候補銘柄の気配です
func (u *OvernightUseCase) buyCandidates(ctx context.Context) ([]market.Quote, error) {
	if len(u.params.Candidates) == 0 {
		return nil, nil
	}
	codes, err := u.gateway.Tradable(ctx, u.params.Candidates)
	if err != nil {
		return nil, fmt.Errorf("取引可否の確認エラー: %w", err)
	}
	if dropped := len(u.params.Candidates) - len(codes); dropped > 0 {
		u.logger.Info("管理・停止銘柄を除外しました", "dropped", dropped)
	}
	return u.gateway.Quotes(ctx, codes)
}

// candidateHoldings は候補銘柄の保有分とその気配です
func (u *OvernightUseCase) candidateHoldings(ctx context.Context, withQuotes bool) ([]market.Holding, []market.Quote, error) {
	all, err := u.gateway.Holdings(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("保有銘柄の取得エラー: %w", err)
	}
	var held []market.Holding
	var symbols []string
	for _, h := range all {
		if h.Qty > 0 && slices.Contains(u.params.Candidates, h.Symbol) {
			held = append(held, h)
			symbols = append(symbols, h.Symbol)
		}
	}
	if !withQuotes || len(symbols) == 0 {
		return held, nil, nil
	}
	quotes, err := u.gateway.Quotes(ctx, symbols)
	if err != nil {
		return nil, nil, fmt.Errorf("気配の取得エラー: %w", err)
	}
	return held, quotes, nil
}

func (u *OvernightUseCase) send(ctx context.Context, op string, reqs []market.OrderRequest) error {
	if len(reqs) == 0 {
		u.logger.Info("発注対象なし", "op", op)
		return nil
	}
	accepted := 0
	for _, r := range u.gateway.SendOrders(ctx, reqs) {
		if r.Err == nil && r.Accepted {
			accepted++
			continue
		}
		u.logger.Warn("⚠️ 注文拒否", "op", op, "symbol", r.Request.Symbol, "action", r.Request.Action,
			"qty", r.Request.Qty, "price", r.Request.Price, "message", r.Message, "error", r.Err)
	}
	u.logger.Info("🚀 発注完了", "op", op, "total", len(reqs), "accepted", accepted)
	return nil
}

// ---------------------------------------------------------
// ステップ
// ---------------------------------------------------------

func (u *OvernightUseCase) openBuy(ctx context.Context, _ Step) error {
	quotes, err := u.buyCandidates(ctx)
	if err != nil {
		return err
	}
	p := u.planner(ctx, symbolsOf(quotes))
	reqs := p.OpenBuy(quotes, strategy.OpenBuyParams{
		MinNotional: u.params.MinNotional,
		MaxNotional: u.params.MaxNotional,
		TotalCap:    u.params.TotalCap,
	}, OpOpenBuy)
	return u.send(ctx, OpOpenBuy, reqs)
}

func (u *OvernightUseCase) stairBuy(ctx context.Context, _ Step) error {
	quotes, err := u.buyCandidates(ctx)
	if err != nil {
		return err
	}
	deposit, err := u.gateway.Deposit(ctx)
	if err != nil {
		return fmt.Errorf("預り金の取得エラー: %w", err)
	}
	p := u.planner(ctx, symbolsOf(quotes))
	return u.send(ctx, OpStairBuy, p.StairBuy(quotes, deposit, OpStairBuy))
}

func (u *OvernightUseCase) cancel(ctx context.Context, st Step) error {
	var side market.Action
	switch st.Side {
	case "buy":
		side = market.ACTION_BUY
	case "sell":
		side = market.ACTION_SELL
	case "", "all":
	default:
		return fmt.Errorf("取消区分が不正です: %q", st.Side)
	}
	if u.sweeper == nil {
		return errors.New("取消サービスが設定されていません")
	}
	if len(u.params.Candidates) == 0 {
		return nil
	}
	_, err := u.sweeper.Sweep(ctx, side, u.params.Candidates...)
	return err
}

func (u *OvernightUseCase) stairSell(ctx context.Context, st Step) error {
	held, quotes, err := u.candidateHoldings(ctx, true)
	if err != nil {
		return err
	}
	p := u.planner(ctx, symbolsOfHoldings(held))
	return u.send(ctx, OpStairSell, p.StairSell(held, quotes, weightOr(st.Weight), OpStairSell))
}

func (u *OvernightUseCase) limitSell(ctx context.Context, st Step) error {
	legs := st.Legs
	if len(legs) == 0 {
		legs = []strategy.SellLeg{{Tick: 0, Weight: weightOr(st.Weight)}}
	}
	held, quotes, err := u.candidateHoldings(ctx, true)
	if err != nil {
		return err
	}
	p := u.planner(ctx, symbolsOfHoldings(held))
	return u.send(ctx, OpLimitSell, p.LimitSell(held, quotes, legs, OpLimitSell))
}

func (u *OvernightUseCase) marketSell(ctx context.Context, st Step) error {
	held, _, err := u.candidateHoldings(ctx, false)
	if err != nil {
		return err
	}
	p := u.planner(ctx, nil)
	return u.send(ctx, OpMarketSell, p.MarketSell(held, weightOr(st.Weight), OpMarketSell))
}

func (u *OvernightUseCase) thresholdSell(ctx context.Context, st Step) error {
	held, _, err := u.candidateHoldings(ctx, false)
	if err != nil {
		return err
	}
	p := u.planner(ctx, nil)
	return u.send(ctx, OpThresholdSell, p.ThresholdSell(held, st.Threshold, weightOr(st.Weight), OpThresholdSell))
}

// summary はその日の売買結果をログに出し、保存先があれば保存します
func (u *OvernightUseCase) summary(ctx context.Context, _ Step) error {
	now := u.now()
	s, err := u.gateway.Summary(ctx, now)
	if err != nil {
		return fmt.Errorf("売買結果の集計エラー: %w", err)
	}
	fields := s.Fields()
	u.logger.Info("📊 本日の売買結果",
		"date", fields["BASC_DT"],
		"buy", fields["STRAT_BUY"],
		"sell", fields["STRAT_SELL"],
		"net_profit", fields["STRAT_NET_PROFIT"],
		"balance_start", fields["BALANCE_START"],
		"balance_end", fields["BALANCE_END"],
		"return_pct", fields["STRAT_RET_PCT"],
	)
	if u.sink == nil {
		return nil
	}
	if err := u.sink.Put(ctx, SummaryKind, now, fields); err != nil {
		return fmt.Errorf("売買結果の保存エラー: %w", err)
	}
	return nil
}

// health は接続状態を確認し、切れていれば再接続します
func (u *OvernightUseCase) health(ctx context.Context, _ Step) error {
	if u.gateway.Connected() {
		u.logger.Debug("サーバー接続 OK")
		return nil
	}
	u.logger.Error("🚨 サーバー接続なし、再接続します")
	return u.gateway.Connect(ctx)
}

func (u *OvernightUseCase) reconnect(ctx context.Context, _ Step) error {
	if u.gateway.Connected() {
		return nil
	}
	return u.gateway.Connect(ctx)
}

func (u *OvernightUseCase) shutdown(_ context.Context, _ Step) error {
	u.logger.Info("🛑 終了時刻になりました。プロセスを終了します")
	if u.onStop != nil {
		u.onStop()
	}
	return nil
}

// weightOr は未指定（0）の割合を全量とみなします
func weightOr(w float64) float64 {
	if w == 0 {
		return 1
	}
	return w
}

func symbolsOf(quotes []market.Quote) []string {
	out := make([]string, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q.Symbol)
	}
	return out
}

func symbolsOfHoldings(held []market.Holding) []string {
	out := make([]string, 0, len(held))
	for _, h := range held {
		out = append(out, h.Symbol)
	}
	return out
}
