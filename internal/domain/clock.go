package domain

import (
	"fmt"
	"time"
)

// BeijingTZ is the fixed UTC+8 zone all trade-date arithmetic uses.
// A fixed zone avoids depending on the host's tzdata.
var BeijingTZ = time.FixedZone("Asia/Shanghai", 8*3600)

// NowBeijing returns the current wall-clock time in Beijing.
func NowBeijing() time.Time {
	return time.Now().In(BeijingTZ)
}

// TodayBeijing returns today's trade date string (YYYY-MM-DD) in Beijing.
func TodayBeijing() string {
	return NowBeijing().Format("2006-01-02")
}

// ParseClockTime parses an HH:MM string such as the close-finalize time.
func ParseClockTime(s string) (hour, minute int, err error) {
	if _, err := time.Parse("15:04", s); err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, nil
}

// MarketClosedAt reports whether the A-share session is over at t for
// finalization purposes: at or past the close-finalize wall clock, or a
// weekend. Holidays are not modeled; a holiday behaves like a quiet
// closed day and bars simply do not exist for it.
func MarketClosedAt(t time.Time, finalizeHour, finalizeMinute int) bool {
	t = t.In(BeijingTZ)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	cutoff := time.Date(t.Year(), t.Month(), t.Day(), finalizeHour, finalizeMinute, 0, 0, BeijingTZ)
	return !t.Before(cutoff)
}

// MarketOpenAt reports whether the A-share trading session is in progress
// at t (09:30-15:00 Beijing, weekdays). Used for work scheduling, not for
// finalization.
func MarketOpenAt(t time.Time) bool {
	t = t.In(BeijingTZ)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), 9, 30, 0, 0, BeijingTZ)
	close := time.Date(t.Year(), t.Month(), t.Day(), 15, 0, 0, 0, BeijingTZ)
	return !t.Before(open) && t.Before(close)
}
