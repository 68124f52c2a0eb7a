// pkg/infra/kiwoom/decoder.go
package kiwoom

import "fmt"

// Record は項目名→正規化済みの値です
type Record map[string]string

// Report はTR応答をデコードした結果です。
// Single は単一データ部、Multi は繰り返しデータ部（0件なら空スライス）です。
type Report struct {
	Code    string
	Single  Record
	Multi   []Record
	HasNext bool
}

// Decoder はTRの項目定義に従ってコントロールから値を読み出します
type Decoder struct {
	table *FieldTable
}

func NewDecoder(table *FieldTable) *Decoder {
	if table == nil {
		table = DefaultFieldTable()
	}
	return &Decoder{table: table}
}

func (d *Decoder) Table() *FieldTable { return d.table }

// Decode は単一・繰り返しの両セクションを読み出します
func (d *Decoder) Decode(trCode, rqName string, acc FieldAccessor) (*Report, error) {
	l, ok := d.table.Layout(trCode)
	if !ok {
		return nil, paramErr("decode", "trCode", "未定義のTRです: %s", trCode)
	}

	rep := &Report{Code: l.Code, Single: Record{}, Multi: []Record{}}

	for _, key := range l.Single {
		rep.Single[key] = d.table.Normalize(key, acc.GetCommData(trCode, rqName, 0, key))
	}

	if len(l.Multi) > 0 {
		cnt := acc.GetRepeatCnt(trCode, rqName)
		for i := 0; i < cnt; i++ {
			row := make(Record, len(l.Multi))
			for _, key := range l.Multi {
				row[key] = d.table.Normalize(key, acc.GetCommData(trCode, rqName, i, key))
			}
			rep.Multi = append(rep.Multi, row)
		}
	}
	return rep, nil
}

// DecodeBulk は GetCommDataEx の一括データ（行ごとの配列）を行レコードに変換します。
// 列の並びは TR の multi 定義に一致します。
func (d *Decoder) DecodeBulk(trCode string, rows [][]string) (*Report, error) {
	l, ok := d.table.Layout(trCode)
	if !ok {
		return nil, paramErr("decode", "trCode", "未定義のTRです: %s", trCode)
	}
	if !l.Bulk {
		return nil, fmt.Errorf("TR %s は一括データではありません", trCode)
	}

	rep := &Report{Code: l.Code, Single: Record{}, Multi: make([]Record, 0, len(rows))}
	for _, cols := range rows {
		row := make(Record, len(l.Multi))
		for i, key := range l.Multi {
			v := ""
			if i < len(cols) {
				v = cols[i]
			}
			row[key] = d.table.Normalize(key, v)
		}
		rep.Multi = append(rep.Multi, row)
	}
	return rep, nil
}

// hasNext は prevNext 文字列を継続フラグに変換します（"2" なら続きあり）
func hasNext(prevNext string) bool {
	return prevNext != "" && prevNext != "0"
}
