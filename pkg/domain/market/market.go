// pkg/domain/market/market.go
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Market は銘柄の上場市場です
type Market string

const (
	KOSPI   Market = "KOSPI"
	KOSDAQ  Market = "KOSDAQ"
	ETF     Market = "ETF"
	Unknown Market = ""
)

type Action string

const (
	ACTION_BUY         Action = "BUY"
	ACTION_SELL        Action = "SELL"
	ACTION_CANCEL_BUY  Action = "CANCEL_BUY"
	ACTION_CANCEL_SELL Action = "CANCEL_SELL"
)

type OrderType string

const (
	ORDER_TYPE_MARKET OrderType = "MARKET"
	ORDER_TYPE_LIMIT  OrderType = "LIMIT"
)

// OrderRequest はブローカーの仕様を知らない純粋な発注要求です
type OrderRequest struct {
	Symbol          string
	Action          Action
	OrderType       OrderType
	Qty             int
	Price           int64 // 成行は0
	OriginalOrderID string
	Tag             string // どのアクションが出した注文か（ログ用）
}

// OrderResult は1件の発注結果です
type OrderResult struct {
	Request  OrderRequest
	OrderID  string
	Accepted bool
	Message  string
	Err      error
}

// Quote は気配のスナップショットです
type Quote struct {
	Symbol     string
	Name       string
	Current    int64
	Ask        int64 // 最良売気配
	Bid        int64 // 最良買気配
	UpperLimit int64
	LowerLimit int64
}

// Holding は保有銘柄です
type Holding struct {
	Symbol       string
	Name         string
	Qty          int
	AvgPrice     int64
	CurrentPrice int64
}

// OpenOrder は未約定の注文です
type OpenOrder struct {
	OrderID   string
	Symbol    string
	Action    Action // BUY か SELL
	Qty       int
	Remaining int
	Price     int64
}

// TradingSummary は1日の売買結果です
type TradingSummary struct {
	Date         time.Time
	Buy          decimal.Decimal
	Sell         decimal.Decimal
	NetProfit    decimal.Decimal
	BalanceStart decimal.Decimal
	BalanceEnd   decimal.Decimal
	ReturnPct    decimal.Decimal
}

// Fields は保存用の平坦な表現です
func (s TradingSummary) Fields() map[string]string {
	return map[string]string{
		"BASC_DT":          s.Date.Format("2006-01-02"),
		"STRAT_BUY":        s.Buy.String(),
		"STRAT_SELL":       s.Sell.String(),
		"STRAT_NET_PROFIT": s.NetProfit.String(),
		"BALANCE_START":    s.BalanceStart.String(),
		"BALANCE_END":      s.BalanceEnd.String(),
		"STRAT_RET_PCT":    s.ReturnPct.StringFixed(4),
	}
}

// MarketGateway は市場（証券会社）とのやり取りをまとめた規格です
type MarketGateway interface {
	Connect(ctx context.Context) error
	Connected() bool

	Deposit(ctx context.Context) (int64, error)
	Holdings(ctx context.Context) ([]Holding, error)
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
	Quotes(ctx context.Context, symbols []string) ([]Quote, error)
	MarketOf(ctx context.Context, symbol string) (Market, error)
	Tradable(ctx context.Context, symbols []string) ([]string, error)

	SendOrders(ctx context.Context, reqs []OrderRequest) []OrderResult
	Summary(ctx context.Context, day time.Time) (TradingSummary, error)
}
