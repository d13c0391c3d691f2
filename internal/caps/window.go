package caps

import (
	"time"

	"github.com/clickroute/clickroute/internal/model"
)

// expiryGrace keeps counters readable for a while after their window closes.
const expiryGrace = time.Hour

// Window is a calendar-aligned cap window. A lifetime window has zero bounds.
type Window struct {
	Start time.Time
	End   time.Time
}

// IsLifetime reports whether the window never rolls over.
func (w Window) IsLifetime() bool {
	return w.End.IsZero()
}

// Label identifies the window inside counter keys.
func (w Window) Label(period model.CapPeriod) string {
	switch period {
	case model.PeriodHour:
		return w.Start.Format("2006010215")
	case model.PeriodDay, model.PeriodWeek:
		return w.Start.Format("20060102")
	case model.PeriodMonth:
		return w.Start.Format("200601")
	default:
		return "all"
	}
}

// ExpireAt returns when the counter for this window can be dropped.
// The zero time means never.
func (w Window) ExpireAt() time.Time {
	if w.IsLifetime() {
		return time.Time{}
	}
	return w.End.Add(expiryGrace)
}

// WindowFor returns the window containing now, aligned in loc.
// Weeks start on Monday.
func WindowFor(period model.CapPeriod, now time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	y, m, d := t.Date()

	switch period {
	case model.PeriodHour:
		start := time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
		return Window{Start: start, End: start.Add(time.Hour)}
	case model.PeriodDay:
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 0, 1)}
	case model.PeriodWeek:
		offset := (int(t.Weekday()) + 6) % 7
		start := time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}
	case model.PeriodMonth:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}
	default:
		return Window{}
	}
}
