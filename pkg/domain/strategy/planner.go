// pkg/domain/strategy/planner.go
package strategy

import (
	"github.com/r-umemoto/overnight-bot/pkg/domain/market"
	"github.com/shopspring/decimal"
)

// Planner は口座・気配の状態から発注要求を組み立てる純粋なロジックです。
// ブローカーには一切触れません。
type Planner struct {
	Markets map[string]market.Market // 銘柄→市場（呼値計算用）
	Steps   int                      // 階段注文の段数
}

func NewPlanner(markets map[string]market.Market, steps int) *Planner {
	if steps <= 0 {
		steps = 5
	}
	return &Planner{Markets: markets, Steps: steps}
}

// OpenBuyParams は寄り付き買いの金額条件です
type OpenBuyParams struct {
	MinNotional int64
	MaxNotional int64
	TotalCap    int64
}

// SellLeg は「何ティックずらした価格で、保有数量の何割を売るか」です
type SellLeg struct {
	Tick   int     `yaml:"tick"`
	Weight float64 `yaml:"weight"`
}

func (p *Planner) market(symbol string) market.Market {
	if m, ok := p.Markets[symbol]; ok && m != market.Unknown {
		return m
	}
	return market.KOSPI
}

// OpenBuy は寄り付き直後の買いです。1銘柄あたりの金額を総額/銘柄数から
// [Min, Max] に収め、総額上限を超える銘柄は見送ります。
// 金額の半分を成行、残り半分を売気配+1ティックの指値で出します。
func (p *Planner) OpenBuy(quotes []market.Quote, params OpenBuyParams, tag string) []market.OrderRequest {
	var live []market.Quote
	for _, q := range quotes {
		if refPrice(q) > 0 {
			live = append(live, q)
		}
	}
	if len(live) == 0 || params.TotalCap <= 0 {
		return nil
	}

	per := params.TotalCap / int64(len(live))
	if per < params.MinNotional {
		per = params.MinNotional
	}
	if params.MaxNotional > 0 && per > params.MaxNotional {
		per = params.MaxNotional
	}

	var reqs []market.OrderRequest
	var spent int64
	for _, q := range live {
		if spent+per > params.TotalCap {
			break
		}
		half := per / 2
		ask := refPrice(q)

		if qty := sharesFor(half, ask); qty > 0 {
			reqs = append(reqs, market.OrderRequest{
				Symbol: q.Symbol, Action: market.ACTION_BUY, OrderType: market.ORDER_TYPE_MARKET,
				Qty: qty, Tag: tag,
			})
		}

		limit, err := market.ShiftTick(ask, 1, p.market(q.Symbol))
		if err != nil {
			limit = ask
		}
		if q.UpperLimit > 0 && limit > q.UpperLimit {
			limit = q.UpperLimit
		}
		if qty := sharesFor(per-half, limit); qty > 0 {
			reqs = append(reqs, market.OrderRequest{
				Symbol: q.Symbol, Action: market.ACTION_BUY, OrderType: market.ORDER_TYPE_LIMIT,
				Qty: qty, Price: limit, Tag: tag,
			})
		}
		spent += per
	}
	return reqs
}

// StairBuy は買気配から1ティックずつ下げた階段指値です。
// 1銘柄あたりの金額は 預り金 / min(銘柄数, 10) です。
func (p *Planner) StairBuy(quotes []market.Quote, deposit int64, tag string) []market.OrderRequest {
	var live []market.Quote
	for _, q := range quotes {
		if q.Bid > 0 || q.Current > 0 {
			live = append(live, q)
		}
	}
	if len(live) == 0 || deposit <= 0 {
		return nil
	}

	perCode := deposit / int64(min(len(live), 10))
	perStep := perCode / int64(p.Steps)

	var reqs []market.OrderRequest
	for _, q := range live {
		base := q.Bid
		if base <= 0 {
			base = q.Current
		}
		for i := 0; i < p.Steps; i++ {
			price, err := market.ShiftTick(base, -i, p.market(q.Symbol))
			if err != nil || (q.LowerLimit > 0 && price < q.LowerLimit) {
				break
			}
			if qty := sharesFor(perStep, price); qty > 0 {
				reqs = append(reqs, market.OrderRequest{
					Symbol: q.Symbol, Action: market.ACTION_BUY, OrderType: market.ORDER_TYPE_LIMIT,
					Qty: qty, Price: price, Tag: tag,
				})
			}
		}
	}
	return reqs
}

// StairSell は売気配から1ティックずつ上げた階段指値で、保有数量×weight を売ります
func (p *Planner) StairSell(holdings []market.Holding, quotes []market.Quote, weight float64, tag string) []market.OrderRequest {
	qm := quoteMap(quotes)
	var reqs []market.OrderRequest
	for _, h := range holdings {
		qty := SellQty(h.Qty, weight)
		q, ok := qm[h.Symbol]
		if qty <= 0 || !ok || refPrice(q) <= 0 {
			continue
		}
		steps := min(p.Steps, qty)
		each, rest := qty/steps, qty%steps
		for i := 0; i < steps; i++ {
			price, err := market.ShiftTick(refPrice(q), i, p.market(h.Symbol))
			if err != nil || (q.UpperLimit > 0 && price > q.UpperLimit) {
				price = refPrice(q)
			}
			n := each
			if i == 0 {
				n += rest
			}
			reqs = append(reqs, market.OrderRequest{
				Symbol: h.Symbol, Action: market.ACTION_SELL, OrderType: market.ORDER_TYPE_LIMIT,
				Qty: n, Price: price, Tag: tag,
			})
		}
	}
	return reqs
}

// LimitSell は legs ごとに売気配からずらした指値で売ります。
// 各 leg の数量は同じ保有数量を基準にし、合計は保有数量を超えません。
func (p *Planner) LimitSell(holdings []market.Holding, quotes []market.Quote, legs []SellLeg, tag string) []market.OrderRequest {
	qm := quoteMap(quotes)
	var reqs []market.OrderRequest
	for _, h := range holdings {
		q, ok := qm[h.Symbol]
		if !ok || refPrice(q) <= 0 {
			continue
		}
		remaining := h.Qty
		for _, leg := range legs {
			qty := min(SellQty(h.Qty, leg.Weight), remaining)
			if qty <= 0 {
				continue
			}
			price, err := market.ShiftTick(refPrice(q), leg.Tick, p.market(h.Symbol))
			if err != nil {
				continue
			}
			if q.LowerLimit > 0 && price < q.LowerLimit {
				price = q.LowerLimit
			}
			reqs = append(reqs, market.OrderRequest{
				Symbol: h.Symbol, Action: market.ACTION_SELL, OrderType: market.ORDER_TYPE_LIMIT,
				Qty: qty, Price: price, Tag: tag,
			})
			remaining -= qty
		}
	}
	return reqs
}

// MarketSell は保有数量×weight を成行で売ります
func (p *Planner) MarketSell(holdings []market.Holding, weight float64, tag string) []market.OrderRequest {
	var reqs []market.OrderRequest
	for _, h := range holdings {
		if qty := SellQty(h.Qty, weight); qty > 0 {
			reqs = append(reqs, market.OrderRequest{
				Symbol: h.Symbol, Action: market.ACTION_SELL, OrderType: market.ORDER_TYPE_MARKET,
				Qty: qty, Tag: tag,
			})
		}
	}
	return reqs
}

// ThresholdSell は損益率が閾値を越えた保有銘柄を成行で売ります。
// threshold<0 なら損切り（損益率 < threshold）、それ以外は利確（損益率 > threshold）です。
func (p *Planner) ThresholdSell(holdings []market.Holding, threshold, weight float64, tag string) []market.OrderRequest {
	var hit []market.Holding
	for _, h := range holdings {
		rate, ok := ProfitRate(h)
		if !ok {
			continue
		}
		if (threshold < 0 && rate.LessThan(decimal.NewFromFloat(threshold))) ||
			(threshold >= 0 && rate.GreaterThan(decimal.NewFromFloat(threshold))) {
			hit = append(hit, h)
		}
	}
	return p.MarketSell(hit, weight, tag)
}

// ProfitRate は 現在値/平均単価 - 1 です
func ProfitRate(h market.Holding) (decimal.Decimal, bool) {
	if h.AvgPrice <= 0 || h.CurrentPrice <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(h.CurrentPrice).Div(decimal.NewFromInt(h.AvgPrice)).Sub(decimal.NewFromInt(1)), true
}

// Cancels は未約定注文の取消要求です。side が空なら売買両方です。
func Cancels(orders []market.OpenOrder, side market.Action, tag string) []market.OrderRequest {
	var reqs []market.OrderRequest
	for _, o := range orders {
		if o.Remaining <= 0 || (side != "" && o.Action != side) {
			continue
		}
		action := market.ACTION_CANCEL_SELL
		if o.Action == market.ACTION_BUY {
			action = market.ACTION_CANCEL_BUY
		}
		reqs = append(reqs, market.OrderRequest{
			Symbol: o.Symbol, Action: action, Qty: o.Remaining, OriginalOrderID: o.OrderID, Tag: tag,
		})
	}
	return reqs
}

// SellQty は保有数量に weight を掛けた売却数量です（切り捨て、weight>0 なら最低1株、保有数量が上限）
func SellQty(held int, weight float64) int {
	if held <= 0 || weight <= 0 {
		return 0
	}
	if weight >= 1 {
		return held
	}
	q := int(decimal.NewFromFloat(weight).Mul(decimal.NewFromInt(int64(held))).Floor().IntPart())
	if q < 1 {
		q = 1
	}
	return min(q, held)
}

func sharesFor(notional, price int64) int {
	if price <= 0 || notional <= 0 {
		return 0
	}
	return int(decimal.NewFromInt(notional).Div(decimal.NewFromInt(price)).Floor().IntPart())
}

// refPrice は売気配、なければ現在値です
func refPrice(q market.Quote) int64 {
	if q.Ask > 0 {
		return q.Ask
	}
	return q.Current
}

func quoteMap(quotes []market.Quote) map[string]market.Quote {
	m := make(map[string]market.Quote, len(quotes))
	for _, q := range quotes {
		m[q.Symbol] = q
	}
	return m
}
