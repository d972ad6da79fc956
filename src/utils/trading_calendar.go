package utils

import (
	"time"

	"github.com/scmhub/calendar"
	"go.uber.org/zap"
)

// TradingCalendar answers "was this market open?" using scmhub/calendar.
// The gap reconciliation worker uses it so weekend and holiday silence is
// not mistaken for missing data.
type TradingCalendar struct {
	Calendar *calendar.Calendar
	Fallback bool
	Timezone *time.Location
}

// -----------------------------------------------------------------------------

// GetCalendar loads a calendar by MIC code (ISO 10383), e.g. "xbom" for
// BSE, "xnys" for NYSE.
func GetCalendar(mic string, log *zap.Logger) *TradingCalendar {
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		log.Warn("unknown calendar MIC, trying xnys", zap.String("mic", mic))
		cal = calendar.GetCalendar("xnys")
	}

	if cal == nil {
		log.Warn("no calendar available, using simple Mon-Fri 09:30-16:00 NY fallback",
			zap.String("mic", mic))
		nyLoc, _ := time.LoadLocation("America/New_York")
		if nyLoc == nil {
			nyLoc = time.UTC // Worst case
		}
		return &TradingCalendar{Fallback: true, Timezone: nyLoc}
	}

	return &TradingCalendar{Calendar: cal, Fallback: false, Timezone: cal.Loc}
}

// -----------------------------------------------------------------------------

func (tc *TradingCalendar) IsTradingDay(date time.Time) bool {
	if tc.Timezone != nil {
		date = date.In(tc.Timezone)
	}

	if tc.Fallback {
		weekday := date.Weekday()
		return weekday != time.Saturday && weekday != time.Sunday
	}
	return tc.Calendar.IsBusinessDay(date)
}

// -----------------------------------------------------------------------------

// IsOpenOnMinute checks if the market is open at a specific minute.
func (tc *TradingCalendar) IsOpenOnMinute(t time.Time) bool {
	if tc.Timezone != nil {
		t = t.In(tc.Timezone)
	}

	if tc.Fallback {
		if !tc.IsTradingDay(t) {
			return false
		}

		hour := t.Hour()
		minute := t.Minute()

		// 9:30 - 16:00 NY Time
		if (hour > 9 || (hour == 9 && minute >= 30)) && hour < 16 {
			return true
		}
		return false
	}

	return tc.Calendar.IsOpen(t)
}

// -----------------------------------------------------------------------------

// OpenMinutesBetween counts the minutes in [from, to) during which the
// market was open. Bounds the reconciliation staleness check.
func (tc *TradingCalendar) OpenMinutesBetween(from, to time.Time) int {
	if !from.Before(to) {
		return 0
	}

	count := 0
	for t := from.Truncate(time.Minute); t.Before(to); t = t.Add(time.Minute) {
		if tc.IsOpenOnMinute(t) {
			count++
		}
	}
	return count
}
