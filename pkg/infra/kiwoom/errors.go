// pkg/infra/kiwoom/errors.go
package kiwoom

import (
	"errors"
	"fmt"
)

// ErrNotConnected はログインしていない、または接続が切れている状態での呼び出しです
var ErrNotConnected = errors.New("kiwoom: サーバーに接続されていません")

// ErrGateTimeout はゲートの待機がタイムアウトしたことを表します
var ErrGateTimeout = errors.New("kiwoom: 応答待ちがタイムアウトしました")

// ErrInFlight は同じチャネルで既にリクエストが待機中であることを表します。
// Session 側でチャネルごとに直列化しているため、これが返るのは呼び出し側のバグです。
var ErrInFlight = errors.New("kiwoom: 同じチャネルで処理中のリクエストがあります")

// ParameterError は通信前に検出された入力値の誤りです（リトライしない）
type ParameterError struct {
	Op     string
	Field  string
	Reason string
}

func (e *ParameterError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: 入力値エラー: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: 入力値エラー [%s]: %s", e.Op, e.Field, e.Reason)
}

func paramErr(op, field, format string, args ...any) error {
	return &ParameterError{Op: op, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProcessingError はブローカーが非ゼロのリターンコードで要求を拒否したことを表します
type ProcessingError struct {
	Op    string
	Code  int
	Cause string
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: 処理エラー %d (%s)", e.Op, e.Code, e.Cause)
}

func newProcessingError(op string, code int) *ProcessingError {
	return &ProcessingError{Op: op, Code: code, Cause: CauseOf(code)}
}

// ブローカーのリターンコード
const (
	OpErrNone          = 0
	OpErrFail          = -10
	OpErrLogin         = -100
	OpErrConnect       = -101
	OpErrVersion       = -102
	OpErrFirewall      = -103
	OpErrMemory        = -104
	OpErrInput         = -105
	OpErrSocketClosed  = -106
	OpErrSiseOverflow  = -200
	OpErrRqStructFail  = -201
	OpErrRqStringFail  = -202
	OpErrNoData        = -203
	OpErrOverMaxData   = -204
	OpErrDataRcvFail   = -205
	OpErrOverMaxFid    = -206
	OpErrRealCancel    = -207
	OpErrOrdWrongInput = -300
	OpErrOrdAcctNoPwd  = -301
	OpErrOtherAcctUse  = -302
	OpErrMisTwoBillion = -303
	OpErrMisFiveBill   = -304
	OpErrMisOnePercent = -305
	OpErrMisThreePct   = -306
	OpErrOrdSendFail   = -307
	OpErrOrdOverflow   = -308
	OpErrMisThreeHund  = -309
	OpErrMisFiveHund   = -310
	OpErrOrdNoAccount  = -340
	OpErrNoCode        = -500
)

var causes = map[int]string{
	OpErrNone:          "정상처리",
	OpErrFail:          "실패",
	OpErrLogin:         "사용자정보교환실패",
	OpErrConnect:       "서버접속실패",
	OpErrVersion:       "버전처리실패",
	OpErrFirewall:      "개인방화벽실패",
	OpErrMemory:        "메모리보호실패",
	OpErrInput:         "함수입력값오류",
	OpErrSocketClosed:  "통신연결종료",
	OpErrSiseOverflow:  "시세조회과부하",
	OpErrRqStructFail:  "전문작성초기화실패",
	OpErrRqStringFail:  "전문작성입력값오류",
	OpErrNoData:        "데이터없음",
	OpErrOverMaxData:   "조회가능한종목수초과",
	OpErrDataRcvFail:   "데이터수신실패",
	OpErrOverMaxFid:    "조회가능한FID수초과",
	OpErrRealCancel:    "실시간해제오류",
	OpErrOrdWrongInput: "입력값오류",
	OpErrOrdAcctNoPwd:  "계좌비밀번호없음",
	OpErrOtherAcctUse:  "타인계좌사용오류",
	OpErrMisTwoBillion: "주문가격이20억원을초과",
	OpErrMisFiveBill:   "주문가격이50억원을초과",
	OpErrMisOnePercent: "주문수량이총발행주수의1%초과오류",
	OpErrMisThreePct:   "주문수량이총발행주수의3%초과오류",
	OpErrOrdSendFail:   "주문전송실패",
	OpErrOrdOverflow:   "주문전송과부하",
	OpErrMisThreeHund:  "주문수량300계약초과",
	OpErrMisFiveHund:   "주문수량500계약초과",
	OpErrOrdNoAccount:  "계좌정보없음",
	OpErrNoCode:        "종목코드없음",
}

// CauseOf はリターンコードを人が読める原因文字列に変換します
func CauseOf(code int) string {
	if c, ok := causes[code]; ok {
		return c
	}
	return fmt.Sprintf("알수없는오류(%d)", code)
}
