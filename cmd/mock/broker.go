// cmd/mock/broker.go
package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
	"github.com/r-umemoto/overnight-bot/pkg/infra/kiwoom"
)

const orderTrCode = "KOA_NORMAL_ORD"

// stock はモックの銘柄です
type stock struct {
	code   string
	name   string
	market market.Market
	price  int64
}

type position struct {
	qty int
	avg int64
}

type mockOrder struct {
	no     string
	code   string
	buy    bool
	qty    int
	remain int
	price  int64
	orig   string
}

// trData は1回分の照会結果です（GetCommData / GetCommDataEx で読まれる）
type trData struct {
	single map[string]string
	multi  []map[string]string
	bulk   [][]string
}

// event は接続先に送るコールバックです。before は送信直前に呼ばれます。
type event struct {
	name   string
	args   kiwoom.EventArgs
	before func()
}

// mockBroker はキウムのサーバー側を真似る、メモリ上の口座と市場です。
// 指値注文は現在値と交差すればその場で約定し、それ以外は未約定のまま残ります。
type mockBroker struct {
	mu      sync.Mutex
	table   *kiwoom.FieldTable
	account string
	deposit int64
	stocks  map[string]*stock
	order   []string

	holdings map[string]*position
	orders   map[string]*mockOrder
	seq      int
	buyAmt   int64
	sellAmt  int64
	realized int64

	inputs map[string]string
	data   map[string]*trData
	chejan map[int]string
}

func newMockBroker(table *kiwoom.FieldTable) *mockBroker {
	b := &mockBroker{
		table:    table,
		account:  "8000000011",
		deposit:  100_000_000,
		stocks:   make(map[string]*stock),
		holdings: make(map[string]*position),
		orders:   make(map[string]*mockOrder),
		inputs:   make(map[string]string),
		data:     make(map[string]*trData),
		chejan:   make(map[int]string),
	}
	for _, s := range []*stock{
		{"005930", "삼성전자", market.KOSPI, 61_000},
		{"000660", "SK하이닉스", market.KOSPI, 120_500},
		{"035720", "카카오", market.KOSPI, 45_150},
		{"247540", "에코프로비엠", market.KOSDAQ, 251_000},
		{"069500", "KODEX 200", market.ETF, 35_005},
	} {
		b.stocks[s.code] = s
		b.order = append(b.order, s.code)
	}
	return b
}

func dataKey(trCode, rqName string) string { return trCode + "/" + rqName }

// ---------------------------------------------------------
// 単純な呼び出し
// ---------------------------------------------------------

func (b *mockBroker) loginInfo(tag string) string {
	switch tag {
	case "ACCOUNT_CNT":
		return "1"
	case "ACCNO":
		return b.account + ";"
	case "USER_ID":
		return "mockuser"
	case "USER_NAME":
		return "모의투자"
	case "GetServerGubun":
		return "1"
	}
	return ""
}

func (b *mockBroker) codeList(id string) string {
	var want market.Market
	switch id {
	case kiwoom.MarketKOSPI:
		want = market.KOSPI
	case kiwoom.MarketKOSDAQ:
		want = market.KOSDAQ
	case kiwoom.MarketETF:
		want = market.ETF
	default:
		return ""
	}
	var sb strings.Builder
	for _, code := range b.order {
		s := b.stocks[code]
		// 実サーバーと同じく ETF は KOSPI 一覧にも含める
		if s.market == want || (want == market.KOSPI && s.market == market.ETF) {
			sb.WriteString(code)
			sb.WriteString(";")
		}
	}
	return sb.String()
}

func (b *mockBroker) stockState(code string) string {
	if _, ok := b.stocks[code]; !ok {
		return ""
	}
	return "증거금20%|담보대출|신용가능"
}

func (b *mockBroker) setInput(id, value string) {
	b.mu.Lock()
	b.inputs[id] = value
	b.mu.Unlock()
}

func (b *mockBroker) repeatCnt(trCode, rqName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.data[dataKey(trCode, rqName)]; ok {
		return len(d.multi)
	}
	return 0
}

func (b *mockBroker) commData(trCode, rqName string, index int, item string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[dataKey(trCode, rqName)]
	if !ok {
		return ""
	}
	if index < len(d.multi) {
		if v, ok := d.multi[index][item]; ok {
			return v
		}
	}
	if index == 0 {
		return d.single[item]
	}
	return ""
}

func (b *mockBroker) commDataEx(trCode, rqName string) [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.data[dataKey(trCode, rqName)]; ok {
		return d.bulk
	}
	return nil
}

func (b *mockBroker) chejanData(fid int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chejan[fid]
}

// ---------------------------------------------------------
// 照会
// ---------------------------------------------------------

// request は CommRqData の結果を作り、送るべきイベントを返します
func (b *mockBroker) request(rqName, trCode string, scrNo string) (int, []event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inputs := b.inputs
	b.inputs = make(map[string]string)

	code := strings.ToUpper(trCode)
	if _, ok := b.table.Layout(code); !ok {
		return kiwoom.OpErrRqStructFail, nil
	}

	d := &trData{single: map[string]string{}}
	switch code {
	case "OPW00004":
		var eval int64
		for _, c := range b.order {
			p, ok := b.holdings[c]
			if !ok || p.qty == 0 {
				continue
			}
			s := b.stocks[c]
			eval += s.price * int64(p.qty)
			d.multi = append(d.multi, map[string]string{
				"종목코드": "A" + c,
				"종목명":  s.name,
				"보유수량": pad(int64(p.qty)),
				"평균단가": pad(p.avg),
				"현재가":  signed(s.price),
			})
		}
		d.single["D+2추정예수금"] = pad(b.deposit)
		d.single["예수금"] = pad(b.deposit)
		d.single["추정예탁자산"] = pad(b.deposit + eval)
		d.single["유가잔고평가액"] = pad(eval)
	case "OPT10075":
		for _, no := range sortedKeys(b.orders) {
			o := b.orders[no]
			if o.remain == 0 || (inputs["종목코드"] != "" && inputs["종목코드"] != o.code) {
				continue
			}
			side := "-매도"
			if o.buy {
				side = "+매수"
			}
			d.multi = append(d.multi, map[string]string{
				"계좌번호":  b.account,
				"주문번호":  o.no,
				"종목코드":  o.code,
				"종목명":   b.stocks[o.code].name,
				"주문수량":  strconv.Itoa(o.qty),
				"미체결수량": strconv.Itoa(o.remain),
				"주문가격":  strconv.FormatInt(o.price, 10),
				"주문구분":  side,
				"주문상태":  "접수",
			})
		}
	case "OPT10074":
		d.single["총매수금액"] = pad(b.buyAmt)
		d.single["총매도금액"] = pad(b.sellAmt)
		d.single["실현손익"] = pad(b.realized)
	case "OPW00001":
		d.single["예수금"] = pad(b.deposit)
		d.single["d+2추정예수금"] = pad(b.deposit)
		d.single["주문가능금액"] = pad(b.deposit)
	case "OPT10004":
		if s, ok := b.stocks[inputs["종목코드"]]; ok {
			ask, _ := market.ShiftTick(s.price, 1, s.market)
			d.single["매도최우선호가"] = signed(ask)
			d.single["매수최우선호가"] = signed(s.price)
		}
	}
	b.data[dataKey(code, rqName)] = d

	return kiwoom.OpErrNone, []event{{
		name: "OnReceiveTrData",
		args: kiwoom.EventArgs{ScrNo: scrNo, RqName: rqName, TrCode: trCode, PrevNext: "0"},
	}}
}

// watchlist は CommKwRqData の結果（一括データ）を作ります
func (b *mockBroker) watchlist(arrCode, rqName, scrNo string) (int, []event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	layout, _ := b.table.Layout("OPTKWFID")
	var rows [][]string
	for _, code := range strings.Split(arrCode, ";") {
		s, ok := b.stocks[strings.TrimSpace(code)]
		if !ok {
			continue
		}
		ask, _ := market.ShiftTick(s.price, 1, s.market)
		values := map[string]string{
			"종목코드": s.code,
			"종목명":  s.name,
			"현재가":  signed(s.price),
			"매도호가": signed(ask),
			"매수호가": signed(s.price),
			"상한가":  signed(s.price * 13 / 10),
			"하한가":  "-" + strconv.FormatInt(s.price*7/10, 10),
		}
		row := make([]string, len(layout.Multi))
		for i, col := range layout.Multi {
			row[i] = values[col]
		}
		rows = append(rows, row)
	}
	b.data[dataKey("OPTKWFID", rqName)] = &trData{bulk: rows}

	return kiwoom.OpErrNone, []event{{
		name: "OnReceiveTrData",
		args: kiwoom.EventArgs{ScrNo: scrNo, RqName: rqName, TrCode: "OPTKWFID", PrevNext: "0"},
	}}
}

// ---------------------------------------------------------
// 発注
// ---------------------------------------------------------

// sendOrder は注文を受け付け、受付・約定・確認の通知を返します
func (b *mockBroker) sendOrder(rqName, scrNo, accNo string, orderType int, code string, qty, price int, hoga, orig string) (int, []event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if accNo != b.account {
		return kiwoom.OpErrOrdNoAccount, nil
	}
	s, ok := b.stocks[code]
	if !ok {
		return kiwoom.OpErrNoCode, nil
	}

	b.seq++
	no := fmt.Sprintf("%07d", b.seq)
	kind := kiwoom.OrderKind(orderType)

	events := []event{{
		name: "OnReceiveMsg",
		args: kiwoom.EventArgs{ScrNo: scrNo, RqName: rqName, TrCode: orderTrCode, Msg: "[00Z112] 모의투자 " + kind.String() + "완료"},
	}}

	var reject string
	var o *mockOrder
	switch {
	case kind.IsCancel():
		target, found := b.orders[orig]
		if !found || target.remain == 0 {
			reject = "취소가능수량 없음"
			break
		}
		o = &mockOrder{no: no, code: code, buy: target.buy, qty: target.remain, orig: orig}
	case kind.IsNew():
		p := int64(price)
		if hoga == string(kiwoom.PriceMarket) {
			p = 0
		}
		o = &mockOrder{no: no, code: code, buy: kind.IsBuy(), qty: qty, remain: qty, price: p}
		if !o.buy {
			if held := b.holdings[code]; held == nil || held.qty-b.lockedQty(code) < qty {
				reject = "매도가능수량 부족"
			}
		} else if cost := int64(qty) * max(p, s.price); cost > b.deposit {
			reject = "주문가능금액 부족"
		}
	default:
		reject = "정정주문은 지원하지 않습니다"
	}

	if reject != "" {
		b.data[dataKey(orderTrCode, rqName)] = &trData{single: map[string]string{"주문번호": ""}}
		events[0].args.Msg = "[RC4025] " + reject
		events = append(events, event{
			name: "OnReceiveTrData",
			args: kiwoom.EventArgs{ScrNo: scrNo, RqName: rqName, TrCode: orderTrCode, PrevNext: "0"},
		})
		return kiwoom.OpErrNone, events
	}

	b.data[dataKey(orderTrCode, rqName)] = &trData{single: map[string]string{"주문번호": no}}
	events = append(events, event{
		name: "OnReceiveTrData",
		args: kiwoom.EventArgs{ScrNo: scrNo, RqName: rqName, TrCode: orderTrCode, PrevNext: "0"},
	})

	if kind.IsCancel() {
		target := b.orders[orig]
		events = append(events, b.chejanEvent("접수", o, nil), b.chejanEvent("확인", o, nil))
		target.remain = 0
		return kiwoom.OpErrNone, events
	}

	b.orders[no] = o
	events = append(events, b.chejanEvent("접수", o, nil))
	if o.price == 0 || (o.buy && o.price >= s.price) || (!o.buy && o.price <= s.price) {
		fill := s.price
		b.fill(o, fill)
		events = append(events, b.chejanEvent("체결", o, &fill))
	}
	return kiwoom.OpErrNone, events
}

// lockedQty は売り注文で拘束中の数量です（b.mu 保持中に呼ぶ）
func (b *mockBroker) lockedQty(code string) int {
	n := 0
	for _, o := range b.orders {
		if o.code == code && !o.buy {
			n += o.remain
		}
	}
	return n
}

// fill は注文を全量約定させ、口座に反映します（b.mu 保持中に呼ぶ）
func (b *mockBroker) fill(o *mockOrder, price int64) {
	amount := price * int64(o.remain)
	p := b.holdings[o.code]
	if p == nil {
		p = &position{}
		b.holdings[o.code] = p
	}
	if o.buy {
		p.avg = (p.avg*int64(p.qty) + amount) / int64(p.qty+o.remain)
		p.qty += o.remain
		b.deposit -= amount
		b.buyAmt += amount
	} else {
		b.realized += (price - p.avg) * int64(o.remain)
		p.qty -= o.remain
		b.deposit += amount
		b.sellAmt += amount
	}
	o.remain = 0
}

// chejanEvent は通知用のFID値を組み立て、送信直前に chejan に差し込むイベントを作ります
func (b *mockBroker) chejanEvent(status string, o *mockOrder, fill *int64) event {
	side := "2"
	if !o.buy {
		side = "1"
	}
	values := map[int]string{
		9201: b.account,
		9203: o.no,
		9001: "A" + o.code,
		913:  status,
		302:  b.stocks[o.code].name,
		900:  strconv.Itoa(o.qty),
		901:  strconv.FormatInt(o.price, 10),
		902:  strconv.Itoa(o.remain),
		904:  o.orig,
		905:  "+매수",
		907:  side,
		908:  "090035",
		946:  side,
	}
	if !o.buy {
		values[905] = "-매도"
	}
	if fill != nil {
		values[902] = "0"
		values[909] = o.no
		values[910] = strconv.FormatInt(*fill, 10)
		values[911] = strconv.Itoa(o.qty)
		values[914] = strconv.FormatInt(*fill, 10)
		values[915] = strconv.Itoa(o.qty)
	}

	fids := make([]string, 0, len(values))
	for fid := range values {
		fids = append(fids, strconv.Itoa(fid))
	}
	return event{
		name: "OnReceiveChejanData",
		args: kiwoom.EventArgs{Gubun: "0", ItemCnt: len(values), FidList: strings.Join(fids, ";")},
		before: func() {
			b.mu.Lock()
			b.chejan = values
			b.mu.Unlock()
		},
	}
}

func pad(v int64) string { return fmt.Sprintf("%015d", v) }

// signed は "+61000" のように符号付きで返します（現在価格系の項目）
func signed(v int64) string { return "+" + strconv.FormatInt(v, 10) }

func sortedKeys(m map[string]*mockOrder) []string {
	// 注文番号は0埋めなので文字列順で採番順になる
	return slices.Sorted(maps.Keys(m))
}
