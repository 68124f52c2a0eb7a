// cmd/mock/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"

	"github.com/r-umemoto/overnight-bot/pkg/infra/kiwoom"
)

type mockConfig struct {
	Addr string `envconfig:"MOCK_ADDR" default:":18090"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var cfg mockConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logger.Error("設定の読み込みエラー", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := newMockBroker(kiwoom.DefaultFieldTable())
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("アップグレードエラー", "error", err)
			return
		}
		logger.Info("🎯 ボットからの接続を受け付けました", "remote", r.RemoteAddr)
		newPeer(conn, broker, logger).serve(ctx)
		logger.Info("🔌 ボットが切断しました")
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("[Mock] モックブリッジ起動", "addr", cfg.Addr, "account", broker.account)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("サーバー起動エラー", "error", err)
		os.Exit(1)
	}
}

// peer は1本の接続です。呼び出しには即答し、イベントは ack を待って1件ずつ送ります。
type peer struct {
	conn   *websocket.Conn
	broker *mockBroker
	logger *slog.Logger

	writeMu sync.Mutex
	events  chan event
	acks    chan int64
	seq     int64
}

func newPeer(conn *websocket.Conn, broker *mockBroker, logger *slog.Logger) *peer {
	return &peer{
		conn:   conn,
		broker: broker,
		logger: logger,
		events: make(chan event, 256),
		acks:   make(chan int64, 16),
	}
}

func (p *peer) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.conn.Close()

	go p.sendLoop(ctx)
	stop := context.AfterFunc(ctx, func() { _ = p.conn.Close() })
	defer stop()

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var f kiwoom.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			p.logger.Warn("JSONパースエラー", "error", err)
			continue
		}
		switch f.Type {
		case "call":
			result, events, err := p.handle(f.Method, f.Args)
			reply := kiwoom.Frame{Type: "result", ID: f.ID}
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.Result, _ = json.Marshal(result)
			}
			if err := p.write(reply); err != nil {
				return
			}
			for _, ev := range events {
				p.events <- ev
			}
		case "ack":
			select {
			case p.acks <- f.Seq:
			default:
			}
		}
	}
}

// sendLoop はイベントを順番に送り、相手の ack を受けてから次へ進みます
func (p *peer) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if ev.before != nil {
				ev.before()
			}
			p.seq++
			args, _ := json.Marshal(ev.args)
			if err := p.write(kiwoom.Frame{Type: "event", Event: ev.name, Args: args, Seq: p.seq}); err != nil {
				return
			}
			if !p.waitAck(ctx, p.seq) {
				return
			}
		}
	}
}

func (p *peer) waitAck(ctx context.Context, seq int64) bool {
	t := time.NewTimer(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			p.logger.Warn("ack待ちがタイムアウトしました", "seq", seq)
			return true
		case got := <-p.acks:
			if got == seq {
				return true
			}
		}
	}
}

func (p *peer) write(f kiwoom.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// handle は OpenAPI のメソッドを口座モックに振り分けます
func (p *peer) handle(method string, raw json.RawMessage) (any, []event, error) {
	var args []json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, nil, fmt.Errorf("引数の形式エラー: %w", err)
		}
	}
	a := argReader{args: args}
	b := p.broker

	var (
		result any
		events []event
	)
	switch method {
	case "CommConnect":
		result = kiwoom.OpErrNone
		events = []event{{name: "OnEventConnect", args: kiwoom.EventArgs{ErrCode: kiwoom.OpErrNone}}}
	case "GetConnectState":
		result = 1
	case "GetLoginInfo":
		result = b.loginInfo(a.str(0))
	case "SetInputValue":
		b.setInput(a.str(0), a.str(1))
		result = nil
	case "CommRqData":
		result, events = b.request(a.str(0), a.str(1), a.str(3))
	case "CommKwRqData":
		result, events = b.watchlist(a.str(0), a.str(4), a.str(5))
	case "SendOrder":
		result, events = b.sendOrder(a.str(0), a.str(1), a.str(2), a.num(3), a.str(4), a.num(5), a.num(6), a.str(7), a.str(8))
	case "GetRepeatCnt":
		result = b.repeatCnt(a.str(0), a.str(1))
	case "GetCommData":
		result = b.commData(a.str(0), a.str(1), a.num(2), a.str(3))
	case "GetCommDataEx":
		result = b.commDataEx(a.str(0), a.str(1))
	case "GetChejanData":
		result = b.chejanData(a.num(0))
	case "GetCodeListByMarket":
		result = b.codeList(a.str(0))
	case "GetMasterStockState":
		result = b.stockState(a.str(0))
	default:
		return nil, nil, fmt.Errorf("未対応のメソッドです: %s", method)
	}
	if a.err != nil {
		return nil, nil, fmt.Errorf("%s: %w", method, a.err)
	}
	if method == "SendOrder" || method == "CommRqData" || method == "CommKwRqData" {
		p.logger.Info("📨 受信", "method", method, "result", result, "events", len(events))
	}
	return result, events, nil
}

// argReader は位置引数を読み出し、最初のエラーを覚えておきます
type argReader struct {
	args []json.RawMessage
	err  error
}

func (r *argReader) str(i int) string {
	if i >= len(r.args) {
		return ""
	}
	var v string
	if err := json.Unmarshal(r.args[i], &v); err != nil && r.err == nil {
		r.err = fmt.Errorf("引数%d: %w", i, err)
	}
	return v
}

func (r *argReader) num(i int) int {
	if i >= len(r.args) {
		return 0
	}
	var v int
	if err := json.Unmarshal(r.args[i], &v); err != nil && r.err == nil {
		r.err = fmt.Errorf("引数%d: %w", i, err)
	}
	return v
}
