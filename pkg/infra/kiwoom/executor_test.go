package kiwoom

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
)

type scriptedSubmitter struct {
	specs []OrderSpec
	reply func(spec OrderSpec) (OrderResponse, error)
}

func (s *scriptedSubmitter) SubmitOrder(ctx context.Context, spec OrderSpec) (OrderResponse, error) {
	s.specs = append(s.specs, spec)
	return s.reply(spec)
}

func TestToOrderSpec(t *testing.T) {
	cases := []struct {
		name string
		req  market.OrderRequest
		want OrderSpec
	}{
		{
			name: "limit buy",
			req:  market.OrderRequest{Symbol: "005930", Action: market.ACTION_BUY, OrderType: market.ORDER_TYPE_LIMIT, Qty: 3, Price: 61000, Tag: "open_buy"},
			want: OrderSpec{RequestLabel: "open_buy_신규매수", ScreenNo: orderScreen, AccountNo: "8000000011", Kind: OrderNewBuy,
				Code: "005930", Quantity: 3, Price: 61000, PriceKind: PriceLimit},
		},
		{
			name: "market sell",
			req:  market.OrderRequest{Symbol: "000660", Action: market.ACTION_SELL, OrderType: market.ORDER_TYPE_MARKET, Qty: 2, Price: 999},
			want: OrderSpec{RequestLabel: "order_신규매도", ScreenNo: orderScreen, AccountNo: "8000000011", Kind: OrderNewSell,
				Code: "000660", Quantity: 2, PriceKind: PriceMarket},
		},
		{
			name: "cancel buy",
			req:  market.OrderRequest{Symbol: "005930", Action: market.ACTION_CANCEL_BUY, Qty: 0, OriginalOrderID: "0000007", Tag: "cancel"},
			want: OrderSpec{RequestLabel: "cancel_매수취소", ScreenNo: orderScreen, AccountNo: "8000000011", Kind: OrderCancelBuy,
				Code: "005930", PriceKind: PriceLimit, OriginalOrderNo: "0000007"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := toOrderSpec("8000000011", tc.req)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.NoError(t, got.Validate())
		})
	}
}

func TestToOrderSpecRejectsUnknownAction(t *testing.T) {
	_, err := toOrderSpec("8000000011", market.OrderRequest{Symbol: "005930", Action: "HOLD", OrderType: market.ORDER_TYPE_LIMIT})
	require.Error(t, err)

	_, err = toOrderSpec("8000000011", market.OrderRequest{Symbol: "005930", Action: market.ACTION_BUY, OrderType: "STOP"})
	require.Error(t, err)
}

func TestOrderKindRoundTrip(t *testing.T) {
	for k := OrderNewBuy; k <= OrderReviseSell; k++ {
		got, err := ParseOrderKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := ParseOrderKind("매수")
	require.Error(t, err)
	require.False(t, OrderKind(9).Valid())
	require.True(t, OrderCancelBuy.IsBuy())
	require.False(t, OrderCancelSell.IsNew())
}

func TestExecutorPlaceKeepsOrderAndContinuesAfterRejection(t *testing.T) {
	sub := &scriptedSubmitter{reply: func(spec OrderSpec) (OrderResponse, error) {
		switch spec.Code {
		case "000660":
			return OrderResponse{Spec: spec, Messages: []string{"[RC4025] 주문가능금액 부족"}}, nil
		case "035720":
			return OrderResponse{Spec: spec}, errors.New("bridge down")
		}
		return OrderResponse{Spec: spec, OrderNo: "00000" + spec.Code[4:]}, nil
	}}
	e := NewExecutor(sub, nil)

	reqs := []market.OrderRequest{
		{Symbol: "005930", Action: market.ACTION_BUY, OrderType: market.ORDER_TYPE_LIMIT, Qty: 1, Price: 61000},
		{Symbol: "000660", Action: market.ACTION_BUY, OrderType: market.ORDER_TYPE_LIMIT, Qty: 1, Price: 120000},
		{Symbol: "999999", Action: "HOLD"},
		{Symbol: "035720", Action: market.ACTION_SELL, OrderType: market.ORDER_TYPE_MARKET, Qty: 1},
		{Symbol: "069500", Action: market.ACTION_SELL, OrderType: market.ORDER_TYPE_MARKET, Qty: 1},
	}
	out := e.Place(context.Background(), "8000000011", reqs)
	require.Len(t, out, 5)

	require.True(t, out[0].Accepted)
	require.Equal(t, "0000030", out[0].OrderID)

	require.False(t, out[1].Accepted)
	require.NoError(t, out[1].Err)
	require.Contains(t, out[1].Message, "주문가능금액")

	require.False(t, out[2].Accepted)
	require.Error(t, out[2].Err)

	require.False(t, out[3].Accepted)
	require.Error(t, out[3].Err)

	require.True(t, out[4].Accepted)
	require.Equal(t, reqs[4], out[4].Request)

	// 変換できなかった注文は送らない
	require.Len(t, sub.specs, 4)
}

func TestMarketGatewayEndToEnd(t *testing.T) {
	ctl := newFakeControl()
	ctl.bulk = [][]string{{"005930", "삼성전자", "+61000", "", "", "", "", "", "", "", "", "", "+61100", "+61000"}}
	s := NewSession(ctl,
		WithLimiters(instantLimiter("tr"), instantLimiter("order")),
		WithTimeouts(0, 0, 0, 0),
	)
	gw := NewMarketGateway(s, NewFeeder(s, nil, nil), NewExecutor(s, nil), "")

	ctx := context.Background()
	_, err := gw.Deposit(ctx)
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, gw.Connect(ctx))
	require.True(t, gw.Connected())

	quotes, err := gw.Quotes(ctx, []string{"005930"})
	require.NoError(t, err)
	require.Equal(t, []market.Quote{{Symbol: "005930", Name: "삼성전자", Current: 61000, Ask: 61100, Bid: 61000}}, quotes)

	out := gw.SendOrders(ctx, []market.OrderRequest{
		{Symbol: "005930", Action: market.ACTION_BUY, OrderType: market.ORDER_TYPE_LIMIT, Qty: 1, Price: 61000, Tag: "open_buy"},
	})
	require.True(t, out[0].Accepted)
	require.Equal(t, "0000001", out[0].OrderID)
	require.Equal(t, []string{"1:005930:1:61000:00"}, ctl.orders)
}

func TestMarketGatewayUnknownAccount(t *testing.T) {
	ctl := newFakeControl()
	s := NewSession(ctl, WithLimiters(instantLimiter("tr"), instantLimiter("order")))
	gw := NewMarketGateway(s, NewFeeder(s, nil, nil), NewExecutor(s, nil), "1111111111")

	err := gw.Connect(context.Background())
	var perr *ParameterError
	require.ErrorAs(t, err, &perr)

	out := gw.SendOrders(context.Background(), []market.OrderRequest{{Symbol: "005930"}})
	require.ErrorAs(t, out[0].Err, &perr)
}
