// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/r-umemoto/overnight-bot/pkg/infra/kiwoom"
	"github.com/r-umemoto/overnight-bot/pkg/logging"
	"github.com/r-umemoto/overnight-bot/pkg/usecase"
)

// AppConfig はシステム全体の設定です
type AppConfig struct {
	BrokerType   string        `envconfig:"BROKER_TYPE" default:"kiwoom"`
	Kiwoom       kiwoom.Config // ネストされた構造体も、タグに従って自動で読み込まれます
	StrategyFile string        `envconfig:"STRATEGY_FILE" default:"strategy.yaml"`
	Store        StoreConfig
	Log          logging.Config
	StatusAddr   string `envconfig:"STATUS_ADDR" default:":9108"`
	Location     string `envconfig:"MARKET_TZ" default:"Asia/Seoul"`
	PIDFile      string `envconfig:"PID_FILE" default:"data/bot.pid"` // 空なら二重起動の確認をしない
}

// StoreConfig は通知の保存先です
type StoreConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"file"` // file | sqlite | none
	Path   string `envconfig:"STORE_PATH" default:"data"`
}

// Load は環境変数から設定を自動でマッピングして返します
func Load() (*AppConfig, error) {
	// .env がなくてもエラーにはしない
	_ = godotenv.Load()

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.BrokerType != "kiwoom" {
		return fmt.Errorf("未対応のブローカーです: %s", c.BrokerType)
	}
	switch c.Store.Driver {
	case "file", "sqlite", "none":
	default:
		return fmt.Errorf("STORE_DRIVER は file / sqlite / none のいずれかです: %q", c.Store.Driver)
	}
	if c.Kiwoom.BridgeURL == "" {
		return errors.New("KIWOOM_BRIDGE_URL が空です")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Strategy は戦略ファイル（YAML）の内容です。
// 候補銘柄の選び方はこのシステムの外で決め、結果だけをここに書きます。
type Strategy struct {
	Candidates  []string `yaml:"candidates"`
	MinNotional int64    `yaml:"min_notional"`
	MaxNotional int64    `yaml:"max_notional"`
	TotalCap    int64    `yaml:"total_cap"`
	LadderSteps int      `yaml:"ladder_steps"`
	SweepRounds int      `yaml:"sweep_rounds"`

	Tolerance time.Duration    `yaml:"tolerance"`
	Schedule  []usecase.Entry  `yaml:"schedule"`
	Periodic  []usecase.Repeat `yaml:"periodic"`
}

// DefaultStrategy は戦略ファイルで省略された項目の既定値です
func DefaultStrategy() Strategy {
	return Strategy{
		MinNotional: 2_000_000,
		MaxNotional: 5_000_000,
		TotalCap:    70_000_000,
		LadderSteps: 5,
		SweepRounds: 10,
		Tolerance:   20 * time.Second,
	}
}

var codePattern = regexp.MustCompile(`^[0-9A-Z]{6}$`)

// LoadStrategy は戦略ファイルを読み込み、既定値に重ねて検証します
func LoadStrategy(path string) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("戦略ファイルを読めません: %w", err)
	}
	return ParseStrategy(data)
}

func ParseStrategy(data []byte) (*Strategy, error) {
	st := DefaultStrategy()
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("戦略ファイルの解析エラー: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Strategy) Validate() error {
	seen := make(map[string]bool, len(s.Candidates))
	for _, c := range s.Candidates {
		if !codePattern.MatchString(c) {
			return fmt.Errorf("銘柄コードの形式が不正です: %q", c)
		}
		if seen[c] {
			return fmt.Errorf("銘柄コードが重複しています: %s", c)
		}
		seen[c] = true
	}
	if s.MinNotional <= 0 || s.MaxNotional < s.MinNotional {
		return fmt.Errorf("1銘柄あたりの金額が不正です: min=%d max=%d", s.MinNotional, s.MaxNotional)
	}
	if s.TotalCap < s.MinNotional {
		return fmt.Errorf("総額上限が1銘柄の下限より小さいです: %d", s.TotalCap)
	}
	if s.LadderSteps <= 0 || s.SweepRounds <= 0 {
		return errors.New("ladder_steps と sweep_rounds は1以上です")
	}
	if s.Tolerance < 0 {
		return errors.New("tolerance が負です")
	}
	if _, err := usecase.MergeCatalog(usecase.DefaultCatalog(), s.Schedule); err != nil {
		return err
	}
	if _, err := usecase.MergeRepeats(usecase.DefaultRepeats(), s.Periodic); err != nil {
		return err
	}
	return nil
}

// Params はユースケースに渡す売買条件です
func (s *Strategy) Params() usecase.Params {
	return usecase.Params{
		Candidates:  s.Candidates,
		MinNotional: s.MinNotional,
		MaxNotional: s.MaxNotional,
		TotalCap:    s.TotalCap,
		Steps:       s.LadderSteps,
	}
}
