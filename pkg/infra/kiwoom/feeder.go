// pkg/infra/kiwoom/feeder.go
package kiwoom

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
	"github.com/shopspring/decimal"
)

const (
	reportScreen    = "1000"
	watchlistScreen = "2000"
	maxPages        = 20
)

// reportSource は Feeder が必要とする Session の機能です（テストではスタブに差し替えます）
type reportSource interface {
	SubmitReport(ctx context.Context, req ReportRequest) (*Report, error)
	SubmitWatchlist(ctx context.Context, req WatchlistRequest) (*Report, error)
	CodeList(market string) ([]string, error)
	StockState(code string) ([]string, error)
}

// Feeder はよく使うTR照会をまとめたファサードです
type Feeder struct {
	src    reportSource
	table  *FieldTable
	logger *slog.Logger

	mu      sync.Mutex
	markets map[string]market.Market // 初回アクセス時に読み込み、以後は使い回す
}

func NewFeeder(src reportSource, table *FieldTable, logger *slog.Logger) *Feeder {
	if table == nil {
		table = DefaultFieldTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{src: src, table: table, logger: logger}
}

// Request は項目定義上の名前でTRを照会します
func (f *Feeder) Request(ctx context.Context, code string, next int, inputs ...Input) (*Report, error) {
	l, ok := f.table.Layout(code)
	if !ok {
		return nil, paramErr("request", "code", "未定義のTRです: %q", code)
	}
	return f.src.SubmitReport(ctx, ReportRequest{
		Name:     l.Name,
		Code:     l.Code,
		Next:     next,
		ScreenNo: reportScreen,
		Inputs:   inputs,
	})
}

// requestAll は継続データがなくなるまで照会し、繰り返しデータを連結します
func (f *Feeder) requestAll(ctx context.Context, code string, inputs ...Input) (*Report, error) {
	rep, err := f.Request(ctx, code, 0, inputs...)
	if err != nil {
		return nil, err
	}
	all := &Report{Code: rep.Code, Single: rep.Single, Multi: append([]Record{}, rep.Multi...)}
	for page := 1; rep.HasNext; page++ {
		if page >= maxPages {
			f.logger.Warn("⚠️ 継続照会の上限に達しました", "tr", code, "pages", page)
			break
		}
		if rep, err = f.Request(ctx, code, 2, inputs...); err != nil {
			return nil, err
		}
		all.Multi = append(all.Multi, rep.Multi...)
	}
	return all, nil
}

func accountInputs(accNo string) []Input {
	return []Input{
		{"계좌번호", accNo},
		{"비밀번호", ""},
		{"상장폐지조회구분", "0"},
		{"비밀번호입력매체구분", "00"},
	}
}

// AccountEvaluation は口座評価（OPW00004）の単一データ部です
func (f *Feeder) AccountEvaluation(ctx context.Context, accNo string) (Record, error) {
	rep, err := f.Request(ctx, "OPW00004", 0, accountInputs(accNo)...)
	if err != nil {
		return nil, err
	}
	return rep.Single, nil
}

// Deposit は D+2 推定預り金です
func (f *Feeder) Deposit(ctx context.Context, accNo string) (int64, error) {
	acc, err := f.AccountEvaluation(ctx, accNo)
	if err != nil {
		return 0, err
	}
	v, err := parseAmount(acc["D+2추정예수금"])
	if err != nil {
		return 0, fmt.Errorf("預り金の変換エラー: %w", err)
	}
	return v, nil
}

// Holdings は保有銘柄の一覧です
func (f *Feeder) Holdings(ctx context.Context, accNo string) ([]market.Holding, error) {
	rep, err := f.requestAll(ctx, "OPW00004", accountInputs(accNo)...)
	if err != nil {
		return nil, err
	}
	holdings := make([]market.Holding, 0, len(rep.Multi))
	for _, row := range rep.Multi {
		qty, _ := parseAmount(row["보유수량"])
		avg, _ := parseAmount(row["평균단가"])
		cur, _ := parseAmount(row["현재가"])
		holdings = append(holdings, market.Holding{
			Symbol:       normalizeCode(row["종목코드"]),
			Name:         row["종목명"],
			Qty:          int(qty),
			AvgPrice:     avg,
			CurrentPrice: cur,
		})
	}
	return holdings, nil
}

// HoldingCodes は保有銘柄のコード一覧です
func (f *Feeder) HoldingCodes(ctx context.Context, accNo string) ([]string, error) {
	holdings, err := f.Holdings(ctx, accNo)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(holdings))
	for _, h := range holdings {
		codes = append(codes, h.Symbol)
	}
	return codes, nil
}

// OpenOrders は未約定注文（OPT10075）です。code が空なら全銘柄です。
func (f *Feeder) OpenOrders(ctx context.Context, accNo, code string) ([]market.OpenOrder, error) {
	all := "0"
	if code != "" {
		all = "1"
	}
	rep, err := f.requestAll(ctx, "OPT10075",
		Input{"계좌번호", accNo},
		Input{"전체종목구분", all},
		Input{"매매구분", "0"},
		Input{"종목코드", code},
		Input{"체결구분", "1"},
	)
	if err != nil {
		return nil, err
	}

	orders := make([]market.OpenOrder, 0, len(rep.Multi))
	for _, row := range rep.Multi {
		qty, _ := parseAmount(row["주문수량"])
		remain, _ := parseAmount(row["미체결수량"])
		price, _ := parseAmount(row["주문가격"])
		action := market.ACTION_SELL
		if strings.Contains(row["주문구분"], "매수") {
			action = market.ACTION_BUY
		}
		orders = append(orders, market.OpenOrder{
			OrderID:   row["주문번호"],
			Symbol:    normalizeCode(row["종목코드"]),
			Action:    action,
			Qty:       int(qty),
			Remaining: int(remain),
			Price:     price,
		})
	}
	return orders, nil
}

// OrderBook は10段階の気配（OPT10004）です
func (f *Feeder) OrderBook(ctx context.Context, code string) (Record, error) {
	rep, err := f.Request(ctx, "OPT10004", 0, Input{"종목코드", code})
	if err != nil {
		return nil, err
	}
	return rep.Single, nil
}

// DailyChart は日足（OPT10005）です
func (f *Feeder) DailyChart(ctx context.Context, code string) ([]Record, error) {
	rep, err := f.Request(ctx, "OPT10005", 0, Input{"종목코드", code})
	if err != nil {
		return nil, err
	}
	return rep.Multi, nil
}

// InvestorFlow は投資主体別の売買動向（OPT10059、数量基準）です
func (f *Feeder) InvestorFlow(ctx context.Context, code string, day time.Time) ([]Record, error) {
	rep, err := f.Request(ctx, "OPT10059", 0,
		Input{"일자", day.Format("20060102")},
		Input{"종목코드", code},
		Input{"금액수량구분", "2"},
		Input{"매매구분", "0"},
		Input{"단위구분", "1"},
	)
	if err != nil {
		return nil, err
	}
	return rep.Multi, nil
}

// RealizedPnL は期間の実現損益（OPT10074）です
func (f *Feeder) RealizedPnL(ctx context.Context, accNo string, from, to time.Time) (*Report, error) {
	return f.Request(ctx, "OPT10074", 0,
		Input{"계좌번호", accNo},
		Input{"비밀번호", ""},
		Input{"시작일자", from.Format("20060102")},
		Input{"종료일자", to.Format("20060102")},
	)
}

// DepositDetail は預り金の詳細（OPW00001）です
func (f *Feeder) DepositDetail(ctx context.Context, accNo string) (Record, error) {
	rep, err := f.Request(ctx, "OPW00001", 0,
		Input{"계좌번호", accNo},
		Input{"비밀번호", ""},
		Input{"비밀번호입력매체구분", "00"},
		Input{"조회구분", "2"},
	)
	if err != nil {
		return nil, err
	}
	return rep.Single, nil
}

// OrderHistory はその日の注文・約定明細（OPW00007）です
func (f *Feeder) OrderHistory(ctx context.Context, accNo string, day time.Time) ([]Record, error) {
	rep, err := f.requestAll(ctx, "OPW00007",
		Input{"주문일자", day.Format("20060102")},
		Input{"계좌번호", accNo},
		Input{"비밀번호", ""},
		Input{"비밀번호입력매체구분", "00"},
		Input{"조회구분", "1"},
		Input{"주식채권구분", "1"},
		Input{"매도수구분", "0"},
		Input{"종목코드", ""},
		Input{"시작주문번호", ""},
	)
	if err != nil {
		return nil, err
	}
	return rep.Multi, nil
}

// Quotes は関心銘柄照会を100銘柄ずつに分けて実行し、入力順に連結します
func (f *Feeder) Quotes(ctx context.Context, codes []string) ([]Record, error) {
	rows := make([]Record, 0, len(codes))
	for start := 0; start < len(codes); start += maxWatchCodes {
		end := min(start+maxWatchCodes, len(codes))
		rep, err := f.src.SubmitWatchlist(ctx, WatchlistRequest{
			Codes:    codes[start:end],
			Name:     watchlistRqName,
			ScreenNo: watchlistScreen,
		})
		if err != nil {
			return nil, err
		}
		rows = append(rows, rep.Multi...)
	}
	return rows, nil
}

// MarketOf は銘柄の上場市場を返します。市場別の銘柄一覧は初回のみ取得します。
func (f *Feeder) MarketOf(ctx context.Context, code string) (market.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markets == nil {
		markets := make(map[string]market.Market)
		// ETF は KOSPI 一覧にも含まれるので最後に上書きする
		for _, m := range []struct {
			id  string
			mkt market.Market
		}{{MarketKOSPI, market.KOSPI}, {MarketKOSDAQ, market.KOSDAQ}, {MarketETF, market.ETF}} {
			if err := ctx.Err(); err != nil {
				return market.Unknown, err
			}
			list, err := f.src.CodeList(m.id)
			if err != nil {
				return market.Unknown, fmt.Errorf("銘柄一覧の取得エラー (%s): %w", m.mkt, err)
			}
			for _, c := range list {
				markets[c] = m.mkt
			}
		}
		f.markets = markets
		f.logger.Info("📚 市場別銘柄一覧を読み込みました", "codes", len(markets))
	}
	return f.markets[code], nil
}

var restrictedStates = []string{"관리종목", "거래정지"}

// DropRestricted は管理銘柄・売買停止の銘柄を取り除きます
func (f *Feeder) DropRestricted(codes []string) ([]string, error) {
	kept := make([]string, 0, len(codes))
	for _, code := range codes {
		states, err := f.src.StockState(code)
		if err != nil {
			return nil, err
		}
		if restricted(states) {
			f.logger.Info("🚧 売買制限銘柄を除外します", "code", code, "state", strings.Join(states, "|"))
			continue
		}
		kept = append(kept, code)
	}
	return kept, nil
}

func restricted(states []string) bool {
	for _, s := range states {
		for _, r := range restrictedStates {
			if strings.TrimSpace(s) == r {
				return true
			}
		}
	}
	return false
}

// Summary はその日の売買結果を集計します。
// 期末残高は推定預託資産、期首残高は期末から実現損益を引いたものです。
func (f *Feeder) Summary(ctx context.Context, accNo string, day time.Time) (market.TradingSummary, error) {
	pnl, err := f.RealizedPnL(ctx, accNo, day, day)
	if err != nil {
		return market.TradingSummary{}, err
	}
	acc, err := f.AccountEvaluation(ctx, accNo)
	if err != nil {
		return market.TradingSummary{}, err
	}

	buy, _ := parseAmount(pnl.Single["총매수금액"])
	sell, _ := parseAmount(pnl.Single["총매도금액"])
	net, _ := parseAmount(pnl.Single["실현손익"])
	end, err := parseAmount(acc["추정예탁자산"])
	if err != nil {
		return market.TradingSummary{}, fmt.Errorf("推定預託資産の変換エラー: %w", err)
	}

	s := market.TradingSummary{
		Date:       day,
		Buy:        decimal.NewFromInt(buy),
		Sell:       decimal.NewFromInt(sell),
		NetProfit:  decimal.NewFromInt(net),
		BalanceEnd: decimal.NewFromInt(end),
	}
	s.BalanceStart = s.BalanceEnd.Sub(s.NetProfit)
	if !s.BalanceStart.IsZero() {
		s.ReturnPct = s.BalanceEnd.Div(s.BalanceStart).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Round(4)
	}
	return s, nil
}

// parseAmount は "1,234,567" や "+000123" のような金額文字列を整数にします。空文字は0です。
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// normalizeCode は "A005930" のような先頭の A を取り除きます
func normalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 7 && (code[0] == 'A' || code[0] == 'J' || code[0] == 'Q') {
		return code[1:]
	}
	return code
}
