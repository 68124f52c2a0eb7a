// pkg/infra/kiwoom/market_gateway.go
package kiwoom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
)

// MarketGateway は Session / Feeder / Executor を束ねて market.MarketGateway を実装します。
// ドメイン側はキウムの TR コードや項目名を一切知りません。
type MarketGateway struct {
	session  *Session
	feeder   *Feeder
	executor *Executor

	mu        sync.Mutex
	accountNo string // 設定値。空ならログイン後の最初の口座
}

func NewMarketGateway(session *Session, feeder *Feeder, executor *Executor, accountNo string) *MarketGateway {
	return &MarketGateway{
		session:   session,
		feeder:    feeder,
		executor:  executor,
		accountNo: accountNo,
	}
}

func (m *MarketGateway) Connect(ctx context.Context) error {
	if err := m.session.Connect(ctx); err != nil {
		return err
	}
	_, err := m.account()
	return err
}

func (m *MarketGateway) Connected() bool { return m.session.Connected() }

// account は発注・照会に使う口座番号です
func (m *MarketGateway) account() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := m.session.Accounts()
	if len(accounts) == 0 {
		return "", fmt.Errorf("口座情報がありません: %w", ErrNotConnected)
	}
	if m.accountNo == "" {
		m.accountNo = accounts[0]
		return m.accountNo, nil
	}
	for _, a := range accounts {
		if a == m.accountNo {
			return a, nil
		}
	}
	return "", paramErr("account", "AccountNo", "ログイン口座に %q がありません", m.accountNo)
}

func (m *MarketGateway) Deposit(ctx context.Context) (int64, error) {
	acc, err := m.account()
	if err != nil {
		return 0, err
	}
	return m.feeder.Deposit(ctx, acc)
}

func (m *MarketGateway) Holdings(ctx context.Context) ([]market.Holding, error) {
	acc, err := m.account()
	if err != nil {
		return nil, err
	}
	return m.feeder.Holdings(ctx, acc)
}

func (m *MarketGateway) OpenOrders(ctx context.Context) ([]market.OpenOrder, error) {
	acc, err := m.account()
	if err != nil {
		return nil, err
	}
	return m.feeder.OpenOrders(ctx, acc, "")
}

func (m *MarketGateway) Quotes(ctx context.Context, symbols []string) ([]market.Quote, error) {
	rows, err := m.feeder.Quotes(ctx, symbols)
	if err != nil {
		return nil, err
	}
	quotes := make([]market.Quote, 0, len(rows))
	for _, row := range rows {
		cur, _ := parseAmount(row["현재가"])
		ask, _ := parseAmount(row["매도호가"])
		bid, _ := parseAmount(row["매수호가"])
		upper, _ := parseAmount(row["상한가"])
		lower, _ := parseAmount(row["하한가"])
		quotes = append(quotes, market.Quote{
			Symbol:     normalizeCode(row["종목코드"]),
			Name:       row["종목명"],
			Current:    cur,
			Ask:        ask,
			Bid:        bid,
			UpperLimit: upper,
			LowerLimit: lower,
		})
	}
	return quotes, nil
}

func (m *MarketGateway) MarketOf(ctx context.Context, symbol string) (market.Market, error) {
	return m.feeder.MarketOf(ctx, symbol)
}

func (m *MarketGateway) Tradable(ctx context.Context, symbols []string) ([]string, error) {
	return m.feeder.DropRestricted(symbols)
}

func (m *MarketGateway) SendOrders(ctx context.Context, reqs []market.OrderRequest) []market.OrderResult {
	acc, err := m.account()
	if err != nil {
		out := make([]market.OrderResult, len(reqs))
		for i, r := range reqs {
			out[i] = market.OrderResult{Request: r, Err: err}
		}
		return out
	}
	return m.executor.Place(ctx, acc, reqs)
}

func (m *MarketGateway) Summary(ctx context.Context, day time.Time) (market.TradingSummary, error) {
	acc, err := m.account()
	if err != nil {
		return market.TradingSummary{}, err
	}
	return m.feeder.Summary(ctx, acc, day)
}
