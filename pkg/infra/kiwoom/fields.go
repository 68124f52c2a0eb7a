// pkg/infra/kiwoom/fields.go
package kiwoom

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var defaultFieldsYAML []byte

// Layout は1つのTRの出力項目定義です
type Layout struct {
	Code   string   `yaml:"-"`
	Name   string   `yaml:"name"`
	Single []string `yaml:"single"`
	Multi  []string `yaml:"multi"`
	Bulk   bool     `yaml:"bulk"`
}

// ChejanStatus は注文状態（FID 913）ごとの保存先と読み出すFID一覧です
type ChejanStatus struct {
	Table string `yaml:"table"`
	FIDs  []int  `yaml:"fids"`
}

// FieldTable は起動時に一度だけ読み込む静的な項目定義です
type FieldTable struct {
	NoSign  []string           `yaml:"no_sign"`
	Reports map[string]*Layout `yaml:"reports"`
	Chejan  struct {
		Names    map[int]string          `yaml:"names"`
		Statuses map[string]ChejanStatus `yaml:"statuses"`
	} `yaml:"chejan"`

	noSign map[string]struct{}
}

// LoadFieldTable はYAMLから項目定義を読み込みます
func LoadFieldTable(data []byte) (*FieldTable, error) {
	var t FieldTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("項目定義の読み込みエラー: %w", err)
	}
	if len(t.Reports) == 0 {
		return nil, fmt.Errorf("項目定義にTRがありません")
	}
	for code, l := range t.Reports {
		if l == nil {
			return nil, fmt.Errorf("TR %s の定義が空です", code)
		}
		l.Code = code
		if l.Bulk && len(l.Single) > 0 {
			return nil, fmt.Errorf("TR %s: bulk は multi のみ指定できます", code)
		}
	}
	t.noSign = make(map[string]struct{}, len(t.NoSign))
	for _, k := range t.NoSign {
		t.noSign[k] = struct{}{}
	}
	return &t, nil
}

// DefaultFieldTable は埋め込み済みの項目定義です
func DefaultFieldTable() *FieldTable {
	t, err := LoadFieldTable(defaultFieldsYAML)
	if err != nil {
		// 埋め込みファイルが壊れているのはビルドの問題
		panic(err)
	}
	return t
}

// Layout はTRコードの定義を返します
func (t *FieldTable) Layout(code string) (*Layout, bool) {
	l, ok := t.Reports[strings.ToUpper(code)]
	return l, ok
}

// Codes は定義済みのTRコード一覧です（ソート済み）
func (t *FieldTable) Codes() []string {
	codes := make([]string, 0, len(t.Reports))
	for c := range t.Reports {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// IsQuoteLike は符号・桁区切りを取り除くべき項目かを判定します
func (t *FieldTable) IsQuoteLike(field string) bool {
	if strings.HasSuffix(field, "호가") {
		return true
	}
	_, ok := t.noSign[field]
	return ok
}

// Normalize は項目値の前後空白を除き、価格系の項目なら符号とカンマも取り除きます
func (t *FieldTable) Normalize(field, value string) string {
	value = strings.TrimSpace(value)
	if !t.IsQuoteLike(field) {
		return value
	}
	return signStripper.Replace(value)
}

var signStripper = strings.NewReplacer("+", "", "-", "", ",", "")
