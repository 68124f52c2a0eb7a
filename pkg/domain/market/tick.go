// pkg/domain/market/tick.go
package market

import "fmt"

// band は「この価格未満なら step 刻み」を表す呼値の区間です
type band struct {
	below int64
	step  int64
}

const maxPrice = int64(1) << 40

var tickBands = map[Market][]band{
	KOSPI: {
		{1_000, 1},
		{5_000, 5},
		{10_000, 10},
		{50_000, 50},
		{100_000, 100},
		{500_000, 500},
		{maxPrice, 1_000},
	},
	KOSDAQ: {
		{1_000, 1},
		{5_000, 5},
		{10_000, 10},
		{50_000, 50},
		{maxPrice, 100},
	},
	ETF: {
		{2_000, 1},
		{maxPrice, 5},
	},
}

// TickSize は price における呼値単位です
func TickSize(price int64, m Market) (int64, error) {
	bands, ok := tickBands[m]
	if !ok {
		return 0, fmt.Errorf("呼値テーブルのない市場です: %q", m)
	}
	if price < 0 {
		return 0, fmt.Errorf("価格が負です: %d", price)
	}
	for _, b := range bands {
		if price < b.below {
			return b.step, nil
		}
	}
	return bands[len(bands)-1].step, nil
}

// FloorTick は price を呼値の刻みに切り下げます
func FloorTick(price int64, m Market) (int64, error) {
	step, err := TickSize(price, m)
	if err != nil {
		return 0, err
	}
	return price - price%step, nil
}

// ShiftTick は price から n ティック動かした価格を返します（n<0 で下方向）。
// 区間の境界をまたぐ場合も1ティックずつ刻みを引き直します。
// 例: KOSPI 6,000 から +2 ティック = 6,020
func ShiftTick(price int64, n int, m Market) (int64, error) {
	p, err := FloorTick(price, m)
	if err != nil {
		return 0, err
	}
	for ; n > 0; n-- {
		step, _ := TickSize(p, m)
		p += step
	}
	for ; n < 0; n++ {
		if p <= 1 {
			return 0, fmt.Errorf("これ以上下の呼値はありません: %d", price)
		}
		// 下方向は1つ下の価格が属する区間の刻みを使う
		step, _ := TickSize(p-1, m)
		p -= step
	}
	return p, nil
}
