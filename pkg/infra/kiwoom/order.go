// pkg/infra/kiwoom/order.go
package kiwoom

import (
	"fmt"
	"strings"
	"time"
)

// OrderKind はブローカーの注文種別（SendOrder の nOrderType）です
type OrderKind int

const (
	OrderNewBuy     OrderKind = 1 // 신규매수
	OrderNewSell    OrderKind = 2 // 신규매도
	OrderCancelBuy  OrderKind = 3 // 매수취소
	OrderCancelSell OrderKind = 4 // 매도취소
	OrderReviseBuy  OrderKind = 5 // 매수정정
	OrderReviseSell OrderKind = 6 // 매도정정
)

var orderKindLabels = map[OrderKind]string{
	OrderNewBuy:     "신규매수",
	OrderNewSell:    "신규매도",
	OrderCancelBuy:  "매수취소",
	OrderCancelSell: "매도취소",
	OrderReviseBuy:  "매수정정",
	OrderReviseSell: "매도정정",
}

func (k OrderKind) Valid() bool {
	_, ok := orderKindLabels[k]
	return ok
}

func (k OrderKind) String() string {
	if l, ok := orderKindLabels[k]; ok {
		return l
	}
	return fmt.Sprintf("OrderKind(%d)", int(k))
}

// IsNew は新規注文かどうかです
func (k OrderKind) IsNew() bool { return k == OrderNewBuy || k == OrderNewSell }

// IsCancel は取消注文かどうかです
func (k OrderKind) IsCancel() bool { return k == OrderCancelBuy || k == OrderCancelSell }

// IsBuy は買い側の注文かどうかです
func (k OrderKind) IsBuy() bool {
	return k == OrderNewBuy || k == OrderCancelBuy || k == OrderReviseBuy
}

// ParseOrderKind はラベルから注文種別を引きます
func ParseOrderKind(label string) (OrderKind, error) {
	for k, l := range orderKindLabels {
		if l == label {
			return k, nil
		}
	}
	return 0, fmt.Errorf("不明な注文種別です: %q", label)
}

// PriceKind は取引区分（호가구분）です
type PriceKind string

const (
	PriceLimit       PriceKind = "00" // 지정가
	PriceMarket      PriceKind = "03" // 시장가
	PriceConditional PriceKind = "05" // 조건부지정가
	PriceBestLimit   PriceKind = "06" // 최유리지정가
	PriceFirstLimit  PriceKind = "07" // 최우선지정가
)

func (p PriceKind) Valid() bool {
	switch p {
	case PriceLimit, PriceMarket, PriceConditional, PriceBestLimit, PriceFirstLimit:
		return true
	}
	return false
}

// OrderSpec は SendOrder に渡す1件の注文です
type OrderSpec struct {
	RequestLabel    string
	ScreenNo        string
	AccountNo       string
	Kind            OrderKind
	Code            string
	Quantity        int
	Price           int
	PriceKind       PriceKind
	OriginalOrderNo string
}

// Validate は型と範囲の検証です（口座・銘柄の実在確認は Session が行います）
func (s OrderSpec) Validate() error {
	const op = "submitOrder"
	if strings.TrimSpace(s.RequestLabel) == "" {
		return paramErr(op, "RequestLabel", "空です")
	}
	if err := validateScreenNo(op, s.ScreenNo); err != nil {
		return err
	}
	if s.AccountNo == "" {
		return paramErr(op, "AccountNo", "空です")
	}
	if !s.Kind.Valid() {
		return paramErr(op, "Kind", "1〜6 の範囲外です: %d", int(s.Kind))
	}
	if s.Code == "" {
		return paramErr(op, "Code", "空です")
	}
	if !s.PriceKind.Valid() {
		return paramErr(op, "PriceKind", "不明な取引区分です: %q", string(s.PriceKind))
	}
	if s.Quantity < 0 || s.Price < 0 {
		return paramErr(op, "Quantity", "数量・価格は0以上です")
	}
	if s.Kind.IsNew() && s.Quantity <= 0 {
		return paramErr(op, "Quantity", "新規注文の数量は1以上です")
	}
	if s.Kind.IsNew() && s.PriceKind == PriceLimit && s.Price <= 0 {
		return paramErr(op, "Price", "指値注文の価格は1以上です")
	}
	if !s.Kind.IsNew() && s.OriginalOrderNo == "" {
		return paramErr(op, "OriginalOrderNo", "取消・訂正には元注文番号が必要です")
	}
	return nil
}

// OrderStatus は注文の進行状況です
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusRejected  OrderStatus = "rejected"
	StatusAccepted  OrderStatus = "accepted"  // 접수
	StatusFilled    OrderStatus = "filled"    // 체결
	StatusConfirmed OrderStatus = "confirmed" // 확인（取消・訂正の確認）
)

// OrderResponse は発注結果です。OrderNo が空なら拒否されています。
type OrderResponse struct {
	Time      time.Time
	OrderNo   string
	Spec      OrderSpec
	Status    OrderStatus
	FilledQty int
	Messages  []string
}

// Rejected は注文番号が採番されなかったかどうかです
func (r OrderResponse) Rejected() bool { return r.OrderNo == "" }

// Message はサーバーメッセージを連結して返します
func (r OrderResponse) Message() string { return strings.Join(r.Messages, " / ") }

func (r *OrderResponse) clone() OrderResponse {
	c := *r
	c.Messages = append([]string(nil), r.Messages...)
	return c
}

func validateScreenNo(op, scrNo string) error {
	if len(scrNo) != 4 {
		return paramErr(op, "ScreenNo", "4桁の画面番号が必要です: %q", scrNo)
	}
	for _, c := range scrNo {
		if c < '0' || c > '9' {
			return paramErr(op, "ScreenNo", "数字のみ指定できます: %q", scrNo)
		}
	}
	return nil
}
