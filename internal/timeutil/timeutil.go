// Package timeutil provides UTC-safe timestamp and shift-window arithmetic.
//
// Every comparison in the sync engine happens in UTC epoch milliseconds.
// Shift boundaries are "HH:mm" strings interpreted in UTC regardless of
// device locale, so client and server agree on day boundaries no matter
// where the device physically is. Local-time formatting exists purely for
// display and must never feed back into a comparison.
package timeutil

import (
	"fmt"
	"time"
)

const (
	// DateLayout is the canonical calendar-date format for day buckets.
	DateLayout = "2006-01-02"

	// ClockLayout is the canonical shift-boundary format.
	ClockLayout = "15:04"

	// DefaultShiftStart is used when a configured shift start is malformed.
	DefaultShiftStart = "09:00"

	// DefaultShiftEnd is used when a configured shift end is malformed.
	DefaultShiftEnd = "17:00"
)

// MillisPerHour converts between epoch-millisecond spans and hours.
const MillisPerHour = int64(time.Hour / time.Millisecond)

// NowUTC returns the current time as UTC epoch milliseconds.
func NowUTC() int64 {
	return time.Now().UTC().UnixMilli()
}

// TodayUTC returns the current UTC calendar date as a day-bucket string.
func TodayUTC() string {
	return time.Now().UTC().Format(DateLayout)
}

// DayOf returns the day-bucket string for a UTC epoch-millisecond timestamp.
func DayOf(millis int64) string {
	return time.UnixMilli(millis).UTC().Format(DateLayout)
}

// Timestamp builds a UTC epoch-millisecond value from a calendar date and an
// "HH:mm" clock string.
//
// The optional zone is an IANA timezone name for inputs expressed in local
// time; the resulting instant is converted to UTC before use. An empty zone
// means the inputs are already UTC.
func Timestamp(date, clock, zone string) (int64, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", date, err)
	}

	c, err := time.Parse(ClockLayout, clock)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", clock, err)
	}

	loc := time.UTC
	if zone != "" {
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return 0, fmt.Errorf("invalid timezone %q: %w", zone, err)
		}
	}

	t := time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), 0, 0, loc)
	return t.UTC().UnixMilli(), nil
}

// ClockOrDefault validates an "HH:mm" shift boundary, substituting fallback
// when the input is malformed. Malformed time inputs degrade to documented
// defaults rather than raising.
func ClockOrDefault(clock, fallback string) string {
	if _, err := time.Parse(ClockLayout, clock); err != nil {
		return fallback
	}
	return clock
}

// Hours converts an epoch-millisecond span to fractional hours, clamped to
// zero for negative spans.
func Hours(spanMillis int64) float64 {
	if spanMillis < 0 {
		return 0
	}
	return float64(spanMillis) / float64(MillisPerHour)
}

// FormatLocal renders a UTC epoch-millisecond timestamp in the machine's
// local timezone. Display only; the result never re-enters a comparison.
func FormatLocal(millis int64) string {
	return time.UnixMilli(millis).Local().Format("2006-01-02 15:04:05")
}

// MonthOf returns the "2006-01" month-bucket string for a timestamp.
func MonthOf(millis int64) string {
	return time.UnixMilli(millis).UTC().Format("2006-01")
}
