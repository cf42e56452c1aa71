// Package utils provides small shared helpers.
package utils

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD trade date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// AddDays shifts a YYYY-MM-DD date by n days.
func AddDays(date string, n int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(dateLayout), nil
}

// DatesBetween returns every calendar day from start to end inclusive,
// ascending. Returns an error when start is after end.
func DatesBetween(start, end string) ([]string, error) {
	s, err := ParseDate(start)
	if err != nil {
		return nil, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return nil, err
	}
	if s.After(e) {
		return nil, fmt.Errorf("start %s after end %s", start, end)
	}

	var days []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dateLayout))
	}
	return days, nil
}

// MinDate returns the earlier of two YYYY-MM-DD dates. Lexicographic
// comparison is correct for this layout.
func MinDate(a, b string) string {
	if a < b {
		return a
	}
	return b
}

// CompactDate converts YYYY-MM-DD to the YYYYMMDD form some vendor APIs
// expect, and SpreadDate converts back.
func CompactDate(date string) string {
	if len(date) == 10 {
		return date[0:4] + date[5:7] + date[8:10]
	}
	return date
}

// SpreadDate converts YYYYMMDD to YYYY-MM-DD.
func SpreadDate(date string) string {
	if len(date) == 8 {
		return date[0:4] + "-" + date[4:6] + "-" + date[6:8]
	}
	return date
}
