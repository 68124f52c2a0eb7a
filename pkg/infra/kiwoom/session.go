// pkg/infra/kiwoom/session.go
package kiwoom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	watchlistTrCode = "OPTKWFID"
	watchlistRqName = "관심종목정보"
	maxWatchCodes   = 100
)

// 照会・発注が許可される市場区分（GetCodeListByMarket）
const (
	MarketKOSPI  = "0"
	MarketKOSDAQ = "10"
	MarketETF    = "8"
)

var validMarkets = map[string]bool{
	"0": true, "3": true, "4": true, "5": true, "6": true, "8": true, "9": true, "10": true, "30": true,
}

// EventSink は注文・約定通知を1件ずつ受け取る保存先です
type EventSink interface {
	Put(ctx context.Context, kind string, at time.Time, fields map[string]string) error
}

// Input は SetInputValue に渡す1項目です。順序を保つためスライスで受け取ります。
type Input struct {
	Key   string
	Value string
}

// ReportRequest は CommRqData による1件のTR照会です
type ReportRequest struct {
	Name     string
	Code     string
	Next     int // 0: 最初から / 2: 続き
	ScreenNo string
	Inputs   []Input
}

// WatchlistRequest は CommKwRqData による複数銘柄照会です（最大100銘柄）
type WatchlistRequest struct {
	Codes    []string
	Next     int
	TypeFlag int // 0: 株式 / 3: 先物オプション
	Name     string
	ScreenNo string
}

// Session はブローカーとの接続とリクエスト/コールバックの同期を担当します。
// 1プロセス1接続を想定していますが、グローバル状態は持ちません。
type Session struct {
	ctl     Control
	dec     *Decoder
	logger  *slog.Logger
	metrics *Metrics
	sink    EventSink
	now     func() time.Time

	trLimiter    *RateLimiter
	orderLimiter *RateLimiter

	loginGate  *Gate[int]
	reportGate *Gate[*Report]
	watchGate  *Gate[*Report]
	orderGate  *Gate[string]

	loginTimeout     time.Duration
	reportTimeout    time.Duration
	watchlistTimeout time.Duration
	orderTimeout     time.Duration

	connectMu sync.Mutex
	reportMu  sync.Mutex // 照会と関心銘柄照会は同じ列に並ぶ
	orderMu   sync.Mutex

	mu            sync.Mutex
	accounts      []string
	connectCode   int
	pendingReport string
	results       map[string]*Report
	inflight      *OrderResponse
	inflightLabel string
	orderCount    uint64
	codeSets      map[string]map[string]bool
	orders        map[string]*OrderResponse
	orderSeq      []string
}

// SessionOption は Session の設定を変更します
type SessionOption func(*Session)

func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func WithEventSink(sink EventSink) SessionOption {
	return func(s *Session) { s.sink = sink }
}

func WithDecoder(d *Decoder) SessionOption {
	return func(s *Session) { s.dec = d }
}

// WithLimiters は照会用・発注用のレートリミッタを差し替えます
func WithLimiters(tr, order *RateLimiter) SessionOption {
	return func(s *Session) {
		s.trLimiter = tr
		s.orderLimiter = order
	}
}

// WithTimeouts は各ゲートの待機上限を設定します。0 は無期限です。
func WithTimeouts(login, report, watchlist, order time.Duration) SessionOption {
	return func(s *Session) {
		s.loginTimeout = login
		s.reportTimeout = report
		s.watchlistTimeout = watchlist
		s.orderTimeout = order
	}
}

// WithSessionClock は受信時刻と BASC_DT の基準になる時計を差し替えます
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *Session) { s.now = fn }
}

// NewSession はコントロールにコールバックを登録した Session を生成します
func NewSession(ctl Control, opts ...SessionOption) *Session {
	s := &Session{
		ctl:              ctl,
		logger:           slog.Default(),
		now:              time.Now,
		loginGate:        NewGate[int](ChannelLogin),
		reportGate:       NewGate[*Report](ChannelReport),
		watchGate:        NewGate[*Report](ChannelWatchlist),
		orderGate:        NewGate[string](ChannelOrder),
		loginTimeout:     60 * time.Second,
		reportTimeout:    30 * time.Second,
		watchlistTimeout: time.Second,
		orderTimeout:     10 * time.Second,
		results:          make(map[string]*Report),
		orders:           make(map[string]*OrderResponse),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dec == nil {
		s.dec = NewDecoder(nil)
	}
	if s.trLimiter == nil {
		s.trLimiter = NewRateLimiter("tr", WithLimiterLogger(s.logger))
	}
	if s.orderLimiter == nil {
		s.orderLimiter = NewRateLimiter("order", WithLimiterLogger(s.logger))
	}
	if s.metrics != nil {
		s.trLimiter.wait = s.metrics.observeWait
		s.orderLimiter.wait = s.metrics.observeWait
	}
	ctl.SetHandler(s)
	return s
}

// Decoder はこのセッションが使う項目定義です
func (s *Session) Decoder() *Decoder { return s.dec }

// ---------------------------------------------------------
// 接続
// ---------------------------------------------------------

// Connected はログイン済みかどうかです
func (s *Session) Connected() bool {
	return s.ctl.GetConnectState() == 1
}

// Connect はログインします。既に接続済みなら何もしません。
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.Connected() {
		return nil
	}

	s.logger.Info("🔑 ログインを開始します")
	code, err := s.loginGate.SubmitAndWait(ctx, s.loginTimeout, func() error {
		if rc := s.ctl.CommConnect(); rc != OpErrNone {
			return newProcessingError("connect", rc)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("❌ ログイン失敗", "op", "connect", "error", err)
		return fmt.Errorf("connect: %w", err)
	}
	if code != OpErrNone {
		perr := newProcessingError("connect", code)
		s.logger.Error("❌ ログイン失敗", "op", "connect", "code", code, "cause", perr.Cause)
		return perr
	}

	accounts := s.loadAccounts()
	s.logger.Info("✅ ログイン成功", "accounts", accounts, "server", s.ServerKind())
	return nil
}

func (s *Session) loadAccounts() []string {
	raw := strings.TrimSuffix(strings.TrimSpace(s.ctl.GetLoginInfo("ACCNO")), ";")
	var accounts []string
	for _, a := range strings.Split(raw, ";") {
		if a = strings.TrimSpace(a); a != "" {
			accounts = append(accounts, a)
		}
	}
	s.mu.Lock()
	s.accounts = accounts
	s.mu.Unlock()
	return accounts
}

// Accounts はログイン時に取得した口座番号の一覧です
func (s *Session) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.accounts...)
}

func (s *Session) hasAccount(accNo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a == accNo {
			return true
		}
	}
	return false
}

// LoginInfo は GetLoginInfo のタグ（ACCOUNT_CNT, ACCNO, USER_ID, USER_NAME, GetServerGubun）を引きます
func (s *Session) LoginInfo(tag string) string {
	return strings.TrimSpace(s.ctl.GetLoginInfo(tag))
}

// ServerKind は "mock"（模擬投資サーバー）か "real" です
func (s *Session) ServerKind() string {
	if s.LoginInfo("GetServerGubun") == "1" {
		return "mock"
	}
	return "real"
}

// LastConnectCode は最後に受け取った接続イベントのコードです
func (s *Session) LastConnectCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCode
}

// ---------------------------------------------------------
// 銘柄情報
// ---------------------------------------------------------

// CodeList は市場区分の銘柄コード一覧です
func (s *Session) CodeList(market string) ([]string, error) {
	if !validMarkets[market] {
		return nil, paramErr("codeList", "market", "不明な市場区分です: %q", market)
	}
	if !s.Connected() {
		return nil, fmt.Errorf("codeList: %w", ErrNotConnected)
	}
	raw := strings.TrimSuffix(s.ctl.GetCodeListByMarket(market), ";")
	if raw == "" {
		return []string{}, nil
	}
	return strings.Split(raw, ";"), nil
}

// StockState は銘柄の状態（증거금/관리종목/거래정지 など）を返します
func (s *Session) StockState(code string) ([]string, error) {
	if !s.Connected() {
		return nil, fmt.Errorf("stockState: %w", ErrNotConnected)
	}
	raw := strings.TrimSpace(s.ctl.GetMasterStockState(code))
	if raw == "" {
		return []string{}, nil
	}
	return strings.Split(raw, "|"), nil
}

// knownCode は接続ごとに一度だけ取得した銘柄コード一覧で照合します
func (s *Session) knownCode(code string) bool {
	for _, m := range []string{MarketKOSPI, MarketKOSDAQ, MarketETF} {
		set, err := s.codeSet(m)
		if err != nil {
			return false
		}
		if set[code] {
			return true
		}
	}
	return false
}

func (s *Session) codeSet(market string) (map[string]bool, error) {
	s.mu.Lock()
	set, ok := s.codeSets[market]
	s.mu.Unlock()
	if ok {
		return set, nil
	}

	list, err := s.CodeList(market)
	if err != nil {
		return nil, err
	}
	set = make(map[string]bool, len(list))
	for _, c := range list {
		set[c] = true
	}

	s.mu.Lock()
	if s.codeSets == nil {
		s.codeSets = make(map[string]map[string]bool)
	}
	s.codeSets[market] = set
	s.mu.Unlock()
	return set, nil
}

// ---------------------------------------------------------
// TR照会
// ---------------------------------------------------------

// SubmitReport はTRを照会し、データ受信コールバックでデコードされた結果を返します
func (s *Session) SubmitReport(ctx context.Context, req ReportRequest) (*Report, error) {
	const op = "submitReport"
	if !s.Connected() {
		return nil, fmt.Errorf("%s %s: %w", op, req.Code, ErrNotConnected)
	}
	if err := s.validateReport(op, req); err != nil {
		return nil, err
	}

	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	if err := s.trLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, req.Code, err)
	}

	code := strings.ToUpper(req.Code)
	s.mu.Lock()
	s.pendingReport = code
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pendingReport = ""
		s.mu.Unlock()
	}()

	start := s.now()
	rep, err := s.reportGate.SubmitAndWait(ctx, s.reportTimeout, func() error {
		for _, in := range req.Inputs {
			s.ctl.SetInputValue(in.Key, in.Value)
		}
		if rc := s.ctl.CommRqData(req.Name, code, req.Next, req.ScreenNo); rc != OpErrNone {
			return newProcessingError(op, rc)
		}
		return nil
	})
	elapsed := s.now().Sub(start)
	if err != nil {
		s.metrics.request(ChannelReport, "error")
		s.logger.Error("❌ TR照会エラー", "op", op, "tr", code, "name", req.Name, "error", err)
		return nil, fmt.Errorf("%s %s: %w", op, code, err)
	}
	s.metrics.request(ChannelReport, "ok")
	s.logger.Info("📨 TR照会完了", "channel", ChannelReport, "tr", code, "name", req.Name,
		"rows", len(rep.Multi), "next", rep.HasNext, "elapsed", elapsed.String())
	return rep, nil
}

func (s *Session) validateReport(op string, req ReportRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return paramErr(op, "Name", "空です")
	}
	if _, ok := s.dec.Table().Layout(req.Code); !ok {
		return paramErr(op, "Code", "未定義のTRです: %q", req.Code)
	}
	if req.Next != 0 && req.Next != 2 {
		return paramErr(op, "Next", "0 か 2 を指定してください: %d", req.Next)
	}
	if err := validateScreenNo(op, req.ScreenNo); err != nil {
		return err
	}
	for _, in := range req.Inputs {
		if strings.TrimSpace(in.Key) == "" {
			return paramErr(op, "Inputs", "項目名が空です")
		}
		switch in.Key {
		case "계좌번호":
			if !s.hasAccount(in.Value) {
				return paramErr(op, in.Key, "ログイン口座ではありません: %q", in.Value)
			}
		case "종목코드":
			if in.Value != "" && !s.knownCode(in.Value) {
				return paramErr(op, in.Key, "銘柄コードがありません: %q", in.Value)
			}
		}
	}
	return nil
}

// SubmitWatchlist は最大100銘柄の関心銘柄照会を行います。
// この照会には完了通知が他にないため、タイムアウトはエラー扱いにせず
// その時点で受信済みの結果（なければ空）を返します。
func (s *Session) SubmitWatchlist(ctx context.Context, req WatchlistRequest) (*Report, error) {
	const op = "submitWatchlist"
	if !s.Connected() {
		return nil, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	if len(req.Codes) == 0 || len(req.Codes) > maxWatchCodes {
		return nil, paramErr(op, "Codes", "銘柄数は1〜%d件です: %d", maxWatchCodes, len(req.Codes))
	}
	for _, c := range req.Codes {
		if c == "" || strings.ContainsAny(c, "; ") {
			return nil, paramErr(op, "Codes", "不正な銘柄コードです: %q", c)
		}
	}
	if req.Next != 0 && req.Next != 2 {
		return nil, paramErr(op, "Next", "0 か 2 を指定してください: %d", req.Next)
	}
	if req.TypeFlag != 0 && req.TypeFlag != 3 {
		return nil, paramErr(op, "TypeFlag", "0 か 3 を指定してください: %d", req.TypeFlag)
	}
	if err := validateScreenNo(op, req.ScreenNo); err != nil {
		return nil, err
	}
	name := req.Name
	if name == "" {
		name = watchlistRqName
	}

	s.reportMu.Lock()
	defer s.reportMu.Unlock()

	if err := s.trLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	delete(s.results, watchlistTrCode)
	s.mu.Unlock()

	start := s.now()
	rep, err := s.watchGate.SubmitAndWait(ctx, s.watchlistTimeout, func() error {
		arr := strings.Join(req.Codes, ";")
		if rc := s.ctl.CommKwRqData(arr, req.Next, len(req.Codes), req.TypeFlag, name, req.ScreenNo); rc != OpErrNone {
			return newProcessingError(op, rc)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrGateTimeout):
		rep = s.LastReport(watchlistTrCode)
		if rep == nil {
			rep = &Report{Code: watchlistTrCode, Single: Record{}, Multi: []Record{}}
		}
		s.metrics.request(ChannelWatchlist, "timeout")
		s.logger.Warn("⏱️ 関心銘柄照会がタイムアウト。受信済みの結果で続行します",
			"codes", len(req.Codes), "rows", len(rep.Multi))
		return rep, nil
	case err != nil:
		s.metrics.request(ChannelWatchlist, "error")
		s.logger.Error("❌ 関心銘柄照会エラー", "op", op, "error", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.request(ChannelWatchlist, "ok")
	s.logger.Info("📨 関心銘柄照会完了", "channel", ChannelWatchlist, "codes", len(req.Codes),
		"rows", len(rep.Multi), "elapsed", s.now().Sub(start).String())
	return rep, nil
}

// LastReport はTRコードごとに最後に受信した結果です
func (s *Session) LastReport(code string) *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[strings.ToUpper(code)]
}

// ---------------------------------------------------------
// 発注
// ---------------------------------------------------------

// SubmitOrder は注文を送信し、注文番号を受け取るまで（受付まで）待ちます。
// 約定までは待ちません。OrderNo が空なら拒否です。
func (s *Session) SubmitOrder(ctx context.Context, spec OrderSpec) (OrderResponse, error) {
	const op = "submitOrder"
	resp := &OrderResponse{Time: s.now(), Spec: spec, Status: StatusPending}

	if !s.Connected() {
		return *resp, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	if err := spec.Validate(); err != nil {
		return *resp, err
	}
	if !s.hasAccount(spec.AccountNo) {
		return *resp, paramErr(op, "AccountNo", "ログイン口座ではありません: %q", spec.AccountNo)
	}
	if !s.knownCode(spec.Code) {
		return *resp, paramErr(op, "Code", "銘柄コードがありません: %q", spec.Code)
	}

	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	if err := s.orderLimiter.Acquire(ctx); err != nil {
		return *resp, fmt.Errorf("%s: %w", op, err)
	}

	// 発注ごとに一意な要求名にして、タイムアウト後に遅れて届いた応答と区別する
	s.mu.Lock()
	s.orderCount++
	label := fmt.Sprintf("%s#%d", spec.RequestLabel, s.orderCount)
	s.inflight = resp
	s.inflightLabel = label
	s.mu.Unlock()

	_, err := s.orderGate.SubmitAndWait(ctx, s.orderTimeout, func() error {
		rc := s.ctl.SendOrder(label, spec.ScreenNo, spec.AccountNo, int(spec.Kind), spec.Code,
			spec.Quantity, spec.Price, string(spec.PriceKind), spec.OriginalOrderNo)
		if rc != OpErrNone {
			return newProcessingError(op, rc)
		}
		return nil
	})

	s.mu.Lock()
	s.inflight = nil
	s.inflightLabel = ""
	if err != nil && resp.Status == StatusPending {
		resp.Status = StatusRejected
	}
	snap := resp.clone()
	s.mu.Unlock()

	if err != nil {
		s.metrics.order(spec.Kind, "error")
		s.logger.Error("❌ 発注エラー", "op", op, "kind", spec.Kind.String(), "code", spec.Code,
			"qty", spec.Quantity, "price", spec.Price, "error", err)
		return snap, fmt.Errorf("%s: %w", op, err)
	}
	if snap.Rejected() {
		s.metrics.order(spec.Kind, "rejected")
		s.logger.Warn("🚫 注文が拒否されました", "kind", spec.Kind.String(), "code", spec.Code,
			"qty", spec.Quantity, "price", spec.Price, "msg", snap.Message())
		return snap, nil
	}
	s.metrics.order(spec.Kind, "accepted")
	s.logger.Info("✅ 注文受付", "order_no", snap.OrderNo, "kind", spec.Kind.String(), "code", spec.Code,
		"qty", spec.Quantity, "price", spec.Price, "hoga", string(spec.PriceKind), "msg", snap.Message())
	return snap, nil
}

// TrackedOrder は受付後に約定通知で更新された注文の最新状態です
func (s *Session) TrackedOrder(orderNo string) (OrderResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNo]
	if !ok {
		return OrderResponse{}, false
	}
	return o.clone(), true
}

const maxTrackedOrders = 2000

// track は s.mu を保持した状態で呼びます
func (s *Session) track(o *OrderResponse) {
	if _, ok := s.orders[o.OrderNo]; ok {
		return
	}
	s.orders[o.OrderNo] = o
	s.orderSeq = append(s.orderSeq, o.OrderNo)
	if len(s.orderSeq) > maxTrackedOrders {
		delete(s.orders, s.orderSeq[0])
		s.orderSeq = s.orderSeq[1:]
	}
}

func isOrderTr(trCode string) bool {
	return strings.Contains(strings.ToUpper(trCode), "ORD")
}

// ---------------------------------------------------------
// コールバック（Handler の実装）
// ---------------------------------------------------------

func (s *Session) OnEventConnect(errCode int) {
	s.mu.Lock()
	s.connectCode = errCode
	s.codeSets = nil
	s.mu.Unlock()

	s.metrics.setConnected(errCode == OpErrNone)
	if errCode == OpErrNone {
		s.logger.Info("🔌 接続イベント: 接続成功", "code", errCode)
	} else {
		s.logger.Warn("🔌 接続イベント: 接続失敗・切断", "code", errCode, "cause", CauseOf(errCode))
	}
	s.loginGate.Resolve(errCode)
}

func (s *Session) OnReceiveMsg(scrNo, rqName, trCode, msg string) {
	s.logger.Info("💬 サーバーメッセージ", "screen", scrNo, "rq", rqName, "tr", trCode, "msg", msg)
	if !isOrderTr(trCode) {
		return
	}
	s.mu.Lock()
	if s.inflight != nil && s.inflightLabel == rqName {
		s.inflight.Messages = append(s.inflight.Messages, strings.TrimSpace(msg))
	}
	s.mu.Unlock()
}

func (s *Session) OnReceiveTrData(scrNo, rqName, trCode, recordName, prevNext string) {
	if isOrderTr(trCode) {
		orderNo := strings.TrimSpace(s.ctl.GetCommData(trCode, rqName, 0, "주문번호"))
		s.ackOrder(rqName, orderNo)
		return
	}

	code := strings.ToUpper(trCode)
	layout, ok := s.dec.Table().Layout(code)
	if !ok {
		s.logger.Warn("⚠️ 未定義のTRを受信しました", "tr", trCode, "rq", rqName)
		s.failPending(code, paramErr("decode", "trCode", "未定義のTRです: %s", trCode))
		return
	}

	var rep *Report
	var err error
	if layout.Bulk {
		rep, err = s.dec.DecodeBulk(code, s.ctl.GetCommDataEx(trCode, rqName))
	} else {
		rep, err = s.dec.Decode(code, rqName, s.ctl)
	}
	if err != nil {
		s.logger.Error("❌ TRデコードエラー", "tr", code, "error", err)
		s.failPending(code, err)
		return
	}
	rep.HasNext = hasNext(prevNext)

	s.mu.Lock()
	s.results[code] = rep
	pending := s.pendingReport
	s.mu.Unlock()

	if layout.Bulk {
		s.watchGate.Resolve(rep)
		return
	}
	if pending != code {
		s.logger.Warn("⚠️ 待機中でないTRの応答を受信しました", "tr", code, "pending", pending)
		return
	}
	s.reportGate.Resolve(rep)
}

func (s *Session) failPending(code string, err error) {
	s.mu.Lock()
	pending := s.pendingReport
	s.mu.Unlock()
	if code == watchlistTrCode {
		s.watchGate.Fail(err)
		return
	}
	if pending == code {
		s.reportGate.Fail(err)
	}
}

func (s *Session) ackOrder(rqName, orderNo string) {
	s.mu.Lock()
	o := s.inflight
	if o == nil || s.inflightLabel != rqName {
		s.mu.Unlock()
		s.logger.Warn("⚠️ 待機中の発注と一致しない注文応答を破棄します", "rq", rqName, "order_no", orderNo)
		return
	}
	o.OrderNo = orderNo
	if orderNo == "" {
		o.Status = StatusRejected
	} else {
		if o.Status == StatusPending {
			o.Status = StatusAccepted
		}
		s.track(o)
	}
	s.mu.Unlock()
	s.orderGate.Resolve(orderNo)
}

func (s *Session) OnReceiveChejanData(gubun string, itemCnt int, fidList string) {
	// 0: 注文受付・約定 / 1: 残高通知 / 3: 特異信号
	if gubun != "0" {
		s.logger.Debug("約定通知（対象外）", "gubun", gubun, "items", itemCnt)
		return
	}

	table := s.dec.Table()
	statusText := strings.TrimSpace(s.ctl.GetChejanData(913))
	status, routed := table.Chejan.Statuses[statusText]

	wanted := map[int]bool{}
	for _, fid := range status.FIDs {
		wanted[fid] = true
	}

	at := s.now()
	rec := Record{"BASC_DT": at.Format("2006-01-02")}
	for _, f := range strings.Split(fidList, ";") {
		fid, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		if routed && !wanted[fid] {
			continue
		}
		name, ok := table.Chejan.Names[fid]
		if !ok {
			continue
		}
		rec[name] = strings.TrimSpace(s.ctl.GetChejanData(fid))
	}

	s.applyChejan(statusText, rec)
	s.logger.Info("📒 約定通知", "status", statusText, "table", status.Table, "fields", map[string]string(rec))

	if !routed {
		return
	}
	s.metrics.chejanEvent(status.Table)
	if s.sink == nil {
		return
	}
	if err := s.sink.Put(context.Background(), status.Table, at, rec); err != nil {
		s.logger.Error("❌ 約定通知の保存エラー", "table", status.Table, "error", err)
	}
}

// applyChejan は追跡中の注文の状態を通知内容で更新します
func (s *Session) applyChejan(statusText string, rec Record) {
	orderNo := rec["ORDER_NO"]
	ticker := strings.TrimPrefix(rec["TICKER"], "A")

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderNo]
	if !ok {
		// 注文番号のTR応答より先に約定通知が届くことがある
		if in := s.inflight; in != nil && in.OrderNo == "" && in.Spec.Code == ticker {
			o = in
		} else {
			return
		}
	}
	switch statusText {
	case "접수":
		if o.Status == StatusPending {
			o.Status = StatusAccepted
		}
	case "체결":
		o.Status = StatusFilled
		ordered, _ := strconv.Atoi(rec["ORDER_QTY"])
		unex, _ := strconv.Atoi(rec["UNEX_QTY"])
		if ordered > 0 {
			o.FilledQty = ordered - unex
		}
	case "확인":
		o.Status = StatusConfirmed
	}
	if msg := rec["거부사유"]; msg != "" && msg != "0" {
		o.Messages = append(o.Messages, msg)
	}
}
