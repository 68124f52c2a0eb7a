// pkg/infra/kiwoom/control.go
package kiwoom

// Control はブローカーのOpenAPIコントロールが提供する呼び出し面です。
// 実体は Windows 側のブリッジ（Bridge）か、テスト用のフェイクです。
// 戻り値の int はブローカーのリターンコード（0 が成功）です。
type Control interface {
	SetHandler(h Handler)

	CommConnect() int
	GetConnectState() int
	GetLoginInfo(tag string) string

	SetInputValue(id, value string)
	CommRqData(rqName, trCode string, prevNext int, scrNo string) int
	CommKwRqData(arrCode string, next, codeCount, typeFlag int, rqName, scrNo string) int
	SendOrder(rqName, scrNo, accNo string, orderType int, code string, qty, price int, hogaGb, orgOrderNo string) int

	GetRepeatCnt(trCode, rqName string) int
	GetCommData(trCode, rqName string, index int, item string) string
	GetCommDataEx(trCode, rqName string) [][]string
	GetChejanData(fid int) string

	GetCodeListByMarket(market string) string
	GetMasterStockState(code string) string
}

// Handler はコントロールから非同期に呼び出される4種類のコールバックです。
// 呼び出し中はコントロール側のデータ（GetCommData など）が読める状態にあります。
type Handler interface {
	OnEventConnect(errCode int)
	OnReceiveMsg(scrNo, rqName, trCode, msg string)
	OnReceiveTrData(scrNo, rqName, trCode, recordName, prevNext string)
	OnReceiveChejanData(gubun string, itemCnt int, fidList string)
}

// FieldAccessor は ReportDecoder が必要とする読み出し面です
type FieldAccessor interface {
	GetRepeatCnt(trCode, rqName string) int
	GetCommData(trCode, rqName string, index int, item string) string
}
