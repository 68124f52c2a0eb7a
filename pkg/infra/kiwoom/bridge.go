// pkg/infra/kiwoom/bridge.go
package kiwoom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
)

const maxRedialInterval = 30 * time.Second

var errBridgeDown = errors.New("kiwoom: ブリッジに接続されていません")

// Frame はブリッジとやり取りするJSONメッセージです
type Frame struct {
	Type   string          `json:"type"` // call / result / event / ack
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Seq    int64           `json:"seq,omitempty"`
	Event  string          `json:"event,omitempty"`
}

// EventArgs はコールバックイベントの引数です
type EventArgs struct {
	ErrCode    int    `json:"errCode,omitempty"`
	ScrNo      string `json:"scrNo,omitempty"`
	RqName     string `json:"rqName,omitempty"`
	TrCode     string `json:"trCode,omitempty"`
	RecordName string `json:"recordName,omitempty"`
	PrevNext   string `json:"prevNext,omitempty"`
	Msg        string `json:"msg,omitempty"`
	Gubun      string `json:"gubun,omitempty"`
	ItemCnt    int    `json:"itemCnt,omitempty"`
	FidList    string `json:"fidList,omitempty"`
}

// Bridge は Windows 側で OpenAPI コントロールをホストするブリッジへの WebSocket クライアントです。
// 呼び出しは call/result で同期的に、コールバックは event で非同期に届きます。
// イベント処理が終わるまで ack を返さないので、ハンドラ内で GetCommData を呼べます。
type Bridge struct {
	url         string
	callTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Frame
	handler Handler

	writeMu sync.Mutex
	up      atomic.Bool

	queue *eventQueue
	ready chan struct{}
	once  sync.Once

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewBridge(url string, callTimeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Bridge{
		url:         url,
		callTimeout: callTimeout,
		logger:      logger,
		pending:     make(map[string]chan Frame),
		queue:       newEventQueue(),
		ready:       make(chan struct{}),
	}
}

// Start は接続ループとイベント配送ループを起動し、最初の接続が確立するまで待ちます。
// ctx は待ち時間だけを区切ります。ループは Close まで動き続けます。
func (b *Bridge) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Go(func() { b.connectLoop(runCtx) })
	b.wg.Go(func() { b.dispatchLoop(runCtx) })

	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		_ = b.Close()
		return ctx.Err()
	}
}

// Close はループを停止して接続を閉じます
func (b *Bridge) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Bridge) connectLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxRedialInterval

	for {
		if ctx.Err() != nil {
			return
		}

		b.logger.Info("🌐 ブリッジ接続開始", "url", b.url)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
		if err != nil {
			sleep := bo.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxRedialInterval
			}
			b.logger.Warn("⚠️ ブリッジ接続エラー。再接続します", "error", err, "retry_in", sleep.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		bo.Reset()
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.up.Store(true)
		b.once.Do(func() { close(b.ready) })
		b.logger.Info("✅ ブリッジ接続成功")

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = b.readLoop(conn)
		stop()

		b.up.Store(false)
		b.mu.Lock()
		b.conn = nil
		for id, ch := range b.pending {
			ch <- Frame{Type: "result", ID: id, Error: errBridgeDown.Error()}
			delete(b.pending, id)
		}
		b.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("🔌 ブリッジから切断されました", "error", err)
		// セッションには通信切断として通知する
		b.queue.push(Frame{Type: "event", Event: "OnEventConnect", Args: mustJSON(EventArgs{ErrCode: OpErrSocketClosed})})
	}
}

func (b *Bridge) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			b.logger.Warn("JSONパースエラー", "error", err)
			continue
		}
		switch f.Type {
		case "result":
			b.mu.Lock()
			ch, ok := b.pending[f.ID]
			delete(b.pending, f.ID)
			b.mu.Unlock()
			if ok {
				ch <- f
			}
		case "event":
			b.queue.push(f)
		default:
			b.logger.Warn("不明なフレームを受信しました", "type", f.Type)
		}
	}
}

func (b *Bridge) dispatchLoop(ctx context.Context) {
	for {
		f, ok := b.queue.pop(ctx)
		if !ok {
			return
		}
		b.dispatch(f)
		if f.Seq != 0 {
			if err := b.write(Frame{Type: "ack", Seq: f.Seq}); err != nil {
				b.logger.Warn("ack送信エラー", "seq", f.Seq, "error", err)
			}
		}
	}
}

func (b *Bridge) dispatch(f Frame) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h == nil {
		return
	}

	var a EventArgs
	if len(f.Args) > 0 {
		if err := json.Unmarshal(f.Args, &a); err != nil {
			b.logger.Warn("イベント引数のパースエラー", "event", f.Event, "error", err)
			return
		}
	}
	switch f.Event {
	case "OnEventConnect":
		h.OnEventConnect(a.ErrCode)
	case "OnReceiveMsg":
		h.OnReceiveMsg(a.ScrNo, a.RqName, a.TrCode, a.Msg)
	case "OnReceiveTrData":
		h.OnReceiveTrData(a.ScrNo, a.RqName, a.TrCode, a.RecordName, a.PrevNext)
	case "OnReceiveChejanData":
		h.OnReceiveChejanData(a.Gubun, a.ItemCnt, a.FidList)
	default:
		b.logger.Warn("不明なイベントです", "event", f.Event)
	}
}

func (b *Bridge) write(f Frame) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errBridgeDown
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// call はメソッドを呼び出して結果を待ちます
func (b *Bridge) call(method string, args ...any) (json.RawMessage, error) {
	if !b.up.Load() {
		return nil, errBridgeDown
	}
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan Frame, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.write(Frame{Type: "call", ID: id, Method: method, Args: payload}); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	t := time.NewTimer(b.callTimeout)
	defer t.Stop()
	select {
	case f := <-ch:
		if f.Error != "" {
			return nil, fmt.Errorf("%s: %s", method, f.Error)
		}
		return f.Result, nil
	case <-t.C:
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("%s: 応答がタイムアウトしました", method)
	}
}

func (b *Bridge) callInt(method string, args ...any) int {
	raw, err := b.call(method, args...)
	if err != nil {
		b.logger.Error("❌ ブリッジ呼び出しエラー", "method", method, "error", err)
		return OpErrSocketClosed
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		b.logger.Error("❌ ブリッジ応答の形式エラー", "method", method, "error", err)
		return OpErrFail
	}
	return v
}

func (b *Bridge) callString(method string, args ...any) string {
	raw, err := b.call(method, args...)
	if err != nil {
		b.logger.Error("❌ ブリッジ呼び出しエラー", "method", method, "error", err)
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// ---------------------------------------------------------
// Control の実装
// ---------------------------------------------------------

func (b *Bridge) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Bridge) CommConnect() int { return b.callInt("CommConnect") }

func (b *Bridge) GetConnectState() int {
	if !b.up.Load() {
		return 0
	}
	raw, err := b.call("GetConnectState")
	if err != nil {
		return 0
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v
}

func (b *Bridge) GetLoginInfo(tag string) string { return b.callString("GetLoginInfo", tag) }

func (b *Bridge) SetInputValue(id, value string) {
	if _, err := b.call("SetInputValue", id, value); err != nil {
		b.logger.Error("❌ ブリッジ呼び出しエラー", "method", "SetInputValue", "error", err)
	}
}

func (b *Bridge) CommRqData(rqName, trCode string, prevNext int, scrNo string) int {
	return b.callInt("CommRqData", rqName, trCode, prevNext, scrNo)
}

func (b *Bridge) CommKwRqData(arrCode string, next, codeCount, typeFlag int, rqName, scrNo string) int {
	return b.callInt("CommKwRqData", arrCode, next, codeCount, typeFlag, rqName, scrNo)
}

func (b *Bridge) SendOrder(rqName, scrNo, accNo string, orderType int, code string, qty, price int, hogaGb, orgOrderNo string) int {
	return b.callInt("SendOrder", rqName, scrNo, accNo, orderType, code, qty, price, hogaGb, orgOrderNo)
}

func (b *Bridge) GetRepeatCnt(trCode, rqName string) int {
	n := b.callInt("GetRepeatCnt", trCode, rqName)
	if n < 0 {
		return 0
	}
	return n
}

func (b *Bridge) GetCommData(trCode, rqName string, index int, item string) string {
	return b.callString("GetCommData", trCode, rqName, index, item)
}

func (b *Bridge) GetCommDataEx(trCode, rqName string) [][]string {
	raw, err := b.call("GetCommDataEx", trCode, rqName)
	if err != nil {
		b.logger.Error("❌ ブリッジ呼び出しエラー", "method", "GetCommDataEx", "error", err)
		return nil
	}
	var rows [][]string
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	return rows
}

func (b *Bridge) GetChejanData(fid int) string { return b.callString("GetChejanData", fid) }

func (b *Bridge) GetCodeListByMarket(market string) string {
	return b.callString("GetCodeListByMarket", market)
}

func (b *Bridge) GetMasterStockState(code string) string {
	return b.callString("GetMasterStockState", code)
}

// ---------------------------------------------------------

// eventQueue は読み取りループを止めないための上限なしキューです
type eventQueue struct {
	mu     sync.Mutex
	items  []Frame
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(f Frame) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop(ctx context.Context) (Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-q.notify:
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
