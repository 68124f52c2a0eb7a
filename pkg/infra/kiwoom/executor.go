// pkg/infra/kiwoom/executor.go
package kiwoom

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
)

const orderScreen = "3000"

type orderSubmitter interface {
	SubmitOrder(ctx context.Context, spec OrderSpec) (OrderResponse, error)
}

// OrderResult は1件の注文に対する結果です
type OrderResult struct {
	Spec     OrderSpec
	Response OrderResponse
	Err      error
}

// Accepted は注文番号が採番されたかどうかです
func (r OrderResult) Accepted() bool { return r.Err == nil && !r.Response.Rejected() }

// Executor は注文を1件ずつ順番に送信します。
// 途中の注文が拒否されても、送信済みの注文は取り消しません。
type Executor struct {
	sub    orderSubmitter
	logger *slog.Logger
}

func NewExecutor(sub orderSubmitter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{sub: sub, logger: logger}
}

// Submit は specs を順に送信し、入力と同じ順序・同じ件数の結果を返します
func (e *Executor) Submit(ctx context.Context, specs ...OrderSpec) []OrderResult {
	results := make([]OrderResult, 0, len(specs))
	accepted := 0
	for _, spec := range specs {
		resp, err := e.sub.SubmitOrder(ctx, spec)
		r := OrderResult{Spec: spec, Response: resp, Err: err}
		if r.Accepted() {
			accepted++
		}
		results = append(results, r)
	}
	if len(specs) > 1 {
		e.logger.Info("📦 一括発注完了", "total", len(specs), "accepted", accepted)
	}
	return results
}

// Place はドメインの発注要求をブローカーの注文に変換して送信します
func (e *Executor) Place(ctx context.Context, accNo string, reqs []market.OrderRequest) []market.OrderResult {
	out := make([]market.OrderResult, len(reqs))
	specs := make([]OrderSpec, 0, len(reqs))
	index := make([]int, 0, len(reqs))

	for i, req := range reqs {
		out[i].Request = req
		spec, err := toOrderSpec(accNo, req)
		if err != nil {
			out[i].Err = err
			continue
		}
		specs = append(specs, spec)
		index = append(index, i)
	}

	for j, r := range e.Submit(ctx, specs...) {
		i := index[j]
		out[i].OrderID = r.Response.OrderNo
		out[i].Accepted = r.Accepted()
		out[i].Message = r.Response.Message()
		out[i].Err = r.Err
	}
	return out
}

func toOrderSpec(accNo string, req market.OrderRequest) (OrderSpec, error) {
	spec := OrderSpec{
		ScreenNo:        orderScreen,
		AccountNo:       accNo,
		Code:            req.Symbol,
		Quantity:        req.Qty,
		OriginalOrderNo: req.OriginalOrderID,
	}

	switch req.Action {
	case market.ACTION_BUY:
		spec.Kind = OrderNewBuy
	case market.ACTION_SELL:
		spec.Kind = OrderNewSell
	case market.ACTION_CANCEL_BUY:
		spec.Kind = OrderCancelBuy
	case market.ACTION_CANCEL_SELL:
		spec.Kind = OrderCancelSell
	default:
		return OrderSpec{}, fmt.Errorf("売買区分が不正です: %q", req.Action)
	}

	switch {
	case spec.Kind.IsCancel():
		spec.PriceKind = PriceLimit
	case req.OrderType == market.ORDER_TYPE_MARKET:
		spec.PriceKind = PriceMarket
	case req.OrderType == market.ORDER_TYPE_LIMIT:
		spec.PriceKind = PriceLimit
		spec.Price = int(req.Price)
	default:
		return OrderSpec{}, fmt.Errorf("注文種別が不正です: %q", req.OrderType)
	}

	tag := req.Tag
	if tag == "" {
		tag = "order"
	}
	spec.RequestLabel = fmt.Sprintf("%s_%s", tag, spec.Kind)
	return spec, nil
}
