// pkg/engine/calendar.go
package engine

import (
	"log/slog"
	"time"

	"github.com/scmhub/calendar"
)

// krxCalendar は韓国取引所の営業日判定です。
// カレンダーが読めない環境では土日だけを休場とみなします。
type krxCalendar struct {
	cal *calendar.Calendar
	loc *time.Location
}

func newKRXCalendar(loc *time.Location, logger *slog.Logger) *krxCalendar {
	cal := calendar.GetCalendar("xkrx")
	if cal == nil {
		logger.Warn("XKRX カレンダーを読めません。平日を営業日とみなします")
	}
	return &krxCalendar{cal: cal, loc: loc}
}

func (k *krxCalendar) IsBusinessDay(t time.Time) bool {
	if k.loc != nil {
		t = t.In(k.loc)
	}
	if k.cal == nil {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return k.cal.IsBusinessDay(t)
}
