package kiwoom

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeControl はコールバックを別ゴルーチンで返すコントロールです
type fakeControl struct {
	mu        sync.Mutex
	h         Handler
	state     int
	loginCode int
	accounts  string
	markets   map[string]string
	stockInfo map[string]string

	inputs []Input
	rows   int
	data   map[string]string // "index/item"
	bulk   [][]string
	chejan map[int]string

	// silent なら CommRqData / CommKwRqData のコールバックを返さない
	silent  bool
	orderNo string
	orders  []string
	labels  []string
	// holdOrder なら SendOrder の応答を返さない
	holdOrder bool
	// replyNo は要求名ごとの注文番号です。無ければ orderNo を返します
	replyNo map[string]string
	// beforeReply は注文のTR応答より前に流すコールバックです
	beforeReply func(h Handler)
	// afterOrder は注文番号のTR応答の後に流すコールバックです
	afterOrder func(h Handler)

	codeListCalls int
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		accounts: "8000000011;",
		markets: map[string]string{
			MarketKOSPI:  "005930;000660;069500;",
			MarketKOSDAQ: "247540;",
			MarketETF:    "069500;",
		},
		stockInfo: map[string]string{},
		data:      map[string]string{},
		chejan:    map[int]string{},
		orderNo:   "0000001",
		replyNo:   map[string]string{},
	}
}

func (c *fakeControl) handler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *fakeControl) SetHandler(h Handler) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *fakeControl) CommConnect() int {
	h := c.handler()
	c.mu.Lock()
	code := c.loginCode
	if code == OpErrNone {
		c.state = 1
	}
	c.mu.Unlock()
	go h.OnEventConnect(code)
	return OpErrNone
}

func (c *fakeControl) GetConnectState() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeControl) GetLoginInfo(tag string) string {
	switch tag {
	case "ACCNO":
		return c.accounts
	case "GetServerGubun":
		return "1"
	}
	return ""
}

func (c *fakeControl) SetInputValue(id, value string) {
	c.mu.Lock()
	c.inputs = append(c.inputs, Input{id, value})
	c.mu.Unlock()
}

func (c *fakeControl) CommRqData(rqName, trCode string, prevNext int, scrNo string) int {
	if c.silent {
		return OpErrNone
	}
	h := c.handler()
	go h.OnReceiveTrData(scrNo, rqName, trCode, "", "0")
	return OpErrNone
}

func (c *fakeControl) CommKwRqData(arrCode string, next, codeCount, typeFlag int, rqName, scrNo string) int {
	if c.silent {
		return OpErrNone
	}
	h := c.handler()
	go h.OnReceiveTrData(scrNo, rqName, watchlistTrCode, "", "0")
	return OpErrNone
}

func (c *fakeControl) SendOrder(rqName, scrNo, accNo string, orderType int, code string, qty, price int, hogaGb, orgOrderNo string) int {
	h := c.handler()
	c.mu.Lock()
	c.orders = append(c.orders, fmt.Sprintf("%d:%s:%d:%d:%s", orderType, code, qty, price, hogaGb))
	c.labels = append(c.labels, rqName)
	hold, before, after := c.holdOrder, c.beforeReply, c.afterOrder
	c.mu.Unlock()
	if hold {
		return OpErrNone
	}
	go func() {
		if before != nil {
			before(h)
		}
		h.OnReceiveMsg(scrNo, rqName, "KOA_NORMAL_ORD", "[00Z112] 주문완료")
		h.OnReceiveTrData(scrNo, rqName, "KOA_NORMAL_ORD", "", "0")
		if after != nil {
			after(h)
		}
	}()
	return OpErrNone
}

func (c *fakeControl) GetRepeatCnt(trCode, rqName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

func (c *fakeControl) GetCommData(trCode, rqName string, index int, item string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.Contains(trCode, "ORD") && item == "주문번호" {
		if no, ok := c.replyNo[rqName]; ok {
			return no
		}
		return c.orderNo
	}
	return c.data[fmt.Sprintf("%d/%s", index, item)]
}

func (c *fakeControl) GetCommDataEx(trCode, rqName string) [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bulk
}

func (c *fakeControl) GetChejanData(fid int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chejan[fid]
}

func (c *fakeControl) GetCodeListByMarket(market string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codeListCalls++
	return c.markets[market]
}

func (c *fakeControl) codeListCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codeListCalls
}

func (c *fakeControl) GetMasterStockState(code string) string { return c.stockInfo[code] }

// recordingSink は保存された約定通知を覚えます
type recordingSink struct {
	mu     sync.Mutex
	kinds  []string
	times  []time.Time
	fields []map[string]string
}

func (s *recordingSink) Put(ctx context.Context, kind string, at time.Time, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	s.times = append(s.times, at)
	s.fields = append(s.fields, fields)
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kinds...)
}

func instantLimiter(name string) *RateLimiter {
	return NewRateLimiter(name, WithClock(newFakeClock()))
}

func newTestSession(t *testing.T, ctl *fakeControl, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{
		WithLimiters(instantLimiter("tr"), instantLimiter("order")),
		WithTimeouts(time.Second, time.Second, 50*time.Millisecond, time.Second),
	}, opts...)
	s := NewSession(ctl, opts...)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestSessionConnectLoadsAccounts(t *testing.T) {
	ctl := newFakeControl()
	s := newTestSession(t, ctl)

	require.True(t, s.Connected())
	require.Equal(t, []string{"8000000011"}, s.Accounts())
	require.Equal(t, "mock", s.ServerKind())
	require.Equal(t, OpErrNone, s.LastConnectCode())

	// 接続済みなら何もしない
	require.NoError(t, s.Connect(context.Background()))
}

func TestSessionConnectFailure(t *testing.T) {
	ctl := newFakeControl()
	ctl.loginCode = OpErrLogin
	s := NewSession(ctl, WithTimeouts(time.Second, time.Second, time.Second, time.Second))

	err := s.Connect(context.Background())
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, OpErrLogin, perr.Code)
	require.False(t, s.Connected())
}

func TestSessionRequiresConnection(t *testing.T) {
	s := NewSession(newFakeControl())
	_, err := s.SubmitReport(context.Background(), ReportRequest{Name: "x", Code: "OPT10074", ScreenNo: "2000"})
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = s.SubmitOrder(context.Background(), OrderSpec{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSubmitReportDecodes(t *testing.T) {
	ctl := newFakeControl()
	ctl.rows = 1
	ctl.data["0/D+2추정예수금"] = "000000001000000"
	ctl.data["0/종목코드"] = "A005930"
	ctl.data["0/현재가"] = "+61000"
	s := newTestSession(t, ctl)

	rep, err := s.SubmitReport(context.Background(), ReportRequest{
		Name:     "계좌평가",
		Code:     "OPW00004",
		ScreenNo: "2000",
		Inputs:   []Input{{"계좌번호", "8000000011"}, {"비밀번호", ""}},
	})
	require.NoError(t, err)
	require.Equal(t, "000000001000000", rep.Single["D+2추정예수금"])
	require.Equal(t, "61000", rep.Multi[0]["현재가"])
	require.False(t, rep.HasNext)
	require.Equal(t, []Input{{"계좌번호", "8000000011"}, {"비밀번호", ""}}, ctl.inputs)
	require.Same(t, rep, s.LastReport("opw00004"))
}

func TestSubmitReportValidation(t *testing.T) {
	s := newTestSession(t, newFakeControl())
	ctx := context.Background()

	cases := []struct {
		name  string
		req   ReportRequest
		field string
	}{
		{"empty name", ReportRequest{Code: "OPT10074", ScreenNo: "2000"}, "Name"},
		{"unknown tr", ReportRequest{Name: "x", Code: "OPT00000", ScreenNo: "2000"}, "Code"},
		{"bad next", ReportRequest{Name: "x", Code: "OPT10074", Next: 1, ScreenNo: "2000"}, "Next"},
		{"bad screen", ReportRequest{Name: "x", Code: "OPT10074", ScreenNo: "20"}, "ScreenNo"},
		{"foreign account", ReportRequest{Name: "x", Code: "OPT10074", ScreenNo: "2000",
			Inputs: []Input{{"계좌번호", "9999999999"}}}, "계좌번호"},
		{"unknown code", ReportRequest{Name: "x", Code: "OPT10004", ScreenNo: "2000",
			Inputs: []Input{{"종목코드", "123456"}}}, "종목코드"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.SubmitReport(ctx, tc.req)
			var perr *ParameterError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, tc.field, perr.Field)
		})
	}
}

func TestSubmitReportTimeout(t *testing.T) {
	ctl := newFakeControl()
	ctl.silent = true
	s := newTestSession(t, ctl, WithTimeouts(time.Second, 30*time.Millisecond, 30*time.Millisecond, time.Second))

	_, err := s.SubmitReport(context.Background(), ReportRequest{Name: "x", Code: "OPT10074", ScreenNo: "2000"})
	require.ErrorIs(t, err, ErrGateTimeout)
}

func TestSubmitWatchlistDecodesBulk(t *testing.T) {
	ctl := newFakeControl()
	ctl.bulk = [][]string{{"005930", "삼성전자", "+61000"}, {"000660", "SK하이닉스", "-120500"}}
	s := newTestSession(t, ctl)

	rep, err := s.SubmitWatchlist(context.Background(), WatchlistRequest{Codes: []string{"005930", "000660"}, ScreenNo: "4000"})
	require.NoError(t, err)
	require.Len(t, rep.Multi, 2)
	require.Equal(t, "120500", rep.Multi[1]["현재가"])
}

func TestSubmitWatchlistTimeoutReturnsEmpty(t *testing.T) {
	ctl := newFakeControl()
	ctl.silent = true
	s := newTestSession(t, ctl)

	rep, err := s.SubmitWatchlist(context.Background(), WatchlistRequest{Codes: []string{"005930"}, ScreenNo: "4000"})
	require.NoError(t, err)
	require.Empty(t, rep.Multi)
}

func TestSubmitWatchlistValidation(t *testing.T) {
	s := newTestSession(t, newFakeControl())
	codes := make([]string, maxWatchCodes+1)
	for i := range codes {
		codes[i] = fmt.Sprintf("%06d", i)
	}
	for _, req := range []WatchlistRequest{
		{ScreenNo: "4000"},
		{Codes: codes, ScreenNo: "4000"},
		{Codes: []string{"005930;000660"}, ScreenNo: "4000"},
		{Codes: []string{"005930"}, TypeFlag: 1, ScreenNo: "4000"},
	} {
		_, err := s.SubmitWatchlist(context.Background(), req)
		var perr *ParameterError
		require.ErrorAs(t, err, &perr)
	}
}

func buySpec() OrderSpec {
	return OrderSpec{
		RequestLabel: "open_buy",
		ScreenNo:     "3000",
		AccountNo:    "8000000011",
		Kind:         OrderNewBuy,
		Code:         "005930",
		Quantity:     10,
		Price:        61000,
		PriceKind:    PriceLimit,
	}
}

func TestSubmitOrderAcceptedAndFilled(t *testing.T) {
	ctl := newFakeControl()
	sink := &recordingSink{}
	filled := make(chan struct{})
	ctl.afterOrder = func(h Handler) {
		ctl.mu.Lock()
		ctl.chejan = map[int]string{9203: "0000001", 9001: "A005930", 913: "체결", 900: "10", 902: "0", 914: "61000", 915: "10"}
		ctl.mu.Unlock()
		h.OnReceiveChejanData("0", 7, "9203;9001;913;900;902;914;915")
		close(filled)
	}
	s := newTestSession(t, ctl, WithEventSink(sink))

	resp, err := s.SubmitOrder(context.Background(), buySpec())
	require.NoError(t, err)
	require.False(t, resp.Rejected())
	require.Equal(t, "0000001", resp.OrderNo)
	require.Contains(t, resp.Message(), "주문완료")
	require.Equal(t, []string{"1:005930:10:61000:00"}, ctl.orders)

	<-filled
	tracked, ok := s.TrackedOrder("0000001")
	require.True(t, ok)
	require.Equal(t, StatusFilled, tracked.Status)
	require.Equal(t, 10, tracked.FilledQty)
	require.Equal(t, []string{"orders_executed"}, sink.snapshot())
	require.Equal(t, "A005930", sink.fields[0]["TICKER"])
}

func TestSubmitOrderRejected(t *testing.T) {
	ctl := newFakeControl()
	ctl.orderNo = ""
	s := newTestSession(t, ctl)

	resp, err := s.SubmitOrder(context.Background(), buySpec())
	require.NoError(t, err)
	require.True(t, resp.Rejected())
	require.Equal(t, StatusRejected, resp.Status)
}

func TestSubmitOrderValidation(t *testing.T) {
	s := newTestSession(t, newFakeControl())
	ctx := context.Background()

	unknown := buySpec()
	unknown.Code = "999999"
	foreign := buySpec()
	foreign.AccountNo = "1234567890"
	noOrig := buySpec()
	noOrig.Kind = OrderCancelBuy
	zeroQty := buySpec()
	zeroQty.Quantity = 0

	for field, spec := range map[string]OrderSpec{
		"Code":            unknown,
		"AccountNo":       foreign,
		"OriginalOrderNo": noOrig,
		"Quantity":        zeroQty,
	} {
		_, err := s.SubmitOrder(ctx, spec)
		var perr *ParameterError
		require.ErrorAs(t, err, &perr, field)
		require.Equal(t, field, perr.Field)
	}
}

func TestChejanIgnoresBalanceNotifications(t *testing.T) {
	ctl := newFakeControl()
	sink := &recordingSink{}
	s := newTestSession(t, ctl, WithEventSink(sink))

	s.OnReceiveChejanData("1", 3, "9201;9001;930")
	require.Empty(t, sink.snapshot())
}

func TestCodeListAndStockState(t *testing.T) {
	ctl := newFakeControl()
	ctl.stockInfo["005930"] = "증거금20%|담보대출"
	s := newTestSession(t, ctl)

	list, err := s.CodeList(MarketKOSDAQ)
	require.NoError(t, err)
	require.Equal(t, []string{"247540"}, list)

	_, err = s.CodeList("77")
	var perr *ParameterError
	require.ErrorAs(t, err, &perr)

	states, err := s.StockState("005930")
	require.NoError(t, err)
	require.Equal(t, []string{"증거금20%", "담보대출"}, states)
}

func TestSubmitOrderIgnoresLateReply(t *testing.T) {
	ctl := newFakeControl()
	ctl.holdOrder = true
	s := newTestSession(t, ctl, WithTimeouts(time.Second, time.Second, 50*time.Millisecond, 50*time.Millisecond))
	ctx := context.Background()

	_, err := s.SubmitOrder(ctx, buySpec())
	require.ErrorIs(t, err, ErrGateTimeout)

	// 一件目の応答が二件目の発注中に遅れて届く
	ctl.mu.Lock()
	stale := ctl.labels[0]
	ctl.holdOrder = false
	ctl.orderNo = "0000002"
	ctl.replyNo[stale] = "0000009"
	ctl.beforeReply = func(h Handler) {
		h.OnReceiveMsg("3000", stale, "KOA_NORMAL_ORD", "[00Z112] 주문완료")
		h.OnReceiveTrData("3000", stale, "KOA_NORMAL_ORD", "", "0")
	}
	ctl.mu.Unlock()

	resp, err := s.SubmitOrder(ctx, buySpec())
	require.NoError(t, err)
	require.Equal(t, "0000002", resp.OrderNo)
	require.Len(t, resp.Messages, 1)

	_, ok := s.TrackedOrder("0000009")
	require.False(t, ok)
	_, ok = s.TrackedOrder("0000002")
	require.True(t, ok)
	require.Equal(t, []string{"open_buy#1", "open_buy#2"}, ctl.labels)
}

func TestKnownCodeCachesMarketLists(t *testing.T) {
	ctl := newFakeControl()
	s := newTestSession(t, ctl)
	ctx := context.Background()

	kosdaq := buySpec()
	kosdaq.Code = "247540"
	for range 3 {
		_, err := s.SubmitOrder(ctx, kosdaq)
		require.NoError(t, err)
	}
	// KOSPI と KOSDAQ を一度ずつ
	require.Equal(t, 2, ctl.codeListCount())

	// 再接続後は取り直す
	s.OnEventConnect(OpErrNone)
	_, err := s.SubmitOrder(ctx, kosdaq)
	require.NoError(t, err)
	require.Equal(t, 4, ctl.codeListCount())
}

func TestChejanUsesSessionClock(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	// UTC ではまだ前日
	at := time.Date(2026, 3, 3, 0, 30, 0, 0, kst)
	ctl := newFakeControl()
	ctl.chejan = map[int]string{9203: "0000001", 9001: "A005930", 913: "접수", 900: "10", 902: "10"}
	sink := &recordingSink{}
	s := newTestSession(t, ctl, WithEventSink(sink), WithSessionClock(func() time.Time { return at }))

	s.OnReceiveChejanData("0", 5, "9203;9001;913;900;902")
	require.Len(t, sink.snapshot(), 1)
	require.Equal(t, "2026-03-03", sink.fields[0]["BASC_DT"])
	require.True(t, at.Equal(sink.times[0]))
	require.Equal(t, kst, sink.times[0].Location())
}
