// pkg/infra/kiwoom/config.go
package kiwoom

import "time"

// Config はキウム OpenAPI（ブリッジ経由）を動かすための設定です
type Config struct {
	BridgeURL string `envconfig:"KIWOOM_BRIDGE_URL" default:"ws://localhost:18090/bridge"`
	// 空ならログイン後の最初の口座を使います
	AccountNo string `envconfig:"KIWOOM_ACCOUNT_NO"`

	CallTimeout      time.Duration `envconfig:"KIWOOM_CALL_TIMEOUT" default:"5s"`
	LoginTimeout     time.Duration `envconfig:"KIWOOM_LOGIN_TIMEOUT" default:"60s"`
	ReportTimeout    time.Duration `envconfig:"KIWOOM_REPORT_TIMEOUT" default:"30s"`
	WatchlistTimeout time.Duration `envconfig:"KIWOOM_WATCHLIST_TIMEOUT" default:"1s"`
	OrderTimeout     time.Duration `envconfig:"KIWOOM_ORDER_TIMEOUT" default:"10s"`
}
