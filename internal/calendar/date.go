package calendar

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"lessoncal/internal/errs"
)

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("%w: %q", errs.ErrInvalidDateFormat, s)
	}
	return d, nil
}

// MustDate is ParseDate for fixtures.
func MustDate(s string) civil.Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Weekday returns the day of week of a calendar date, independent of any zone.
func Weekday(d civil.Date) time.Weekday {
	return midnightUTC(d).Weekday()
}

// ValidWeekday reports whether w is 0 (Sunday) .. 6 (Saturday).
func ValidWeekday(w time.Weekday) bool {
	return w >= time.Sunday && w <= time.Saturday
}

// CheckWeekday returns errs.ErrInvalidWeekday for out-of-range values.
func CheckWeekday(w time.Weekday) error {
	if !ValidWeekday(w) {
		return fmt.Errorf("%w: %d", errs.ErrInvalidWeekday, int(w))
	}
	return nil
}

// CheckRange returns errs.ErrInvalidRange when end precedes start.
func CheckRange(start, end civil.Date) error {
	if end.Before(start) {
		return fmt.Errorf("%w: %s before %s", errs.ErrInvalidRange, end, start)
	}
	return nil
}

// Within reports whether d lies in [start, end].
func Within(d, start, end civil.Date) bool {
	return !d.Before(start) && !d.After(end)
}

// DateOf returns the wall-clock date of t in its own location.
func DateOf(t time.Time) civil.Date {
	return civil.DateOf(t)
}

// ClockOf returns the wall-clock time of day of t in its own location,
// truncated to the minute.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// midnightUTC places d at 00:00 UTC. Used only for calendar arithmetic.
func midnightUTC(d civil.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// At places the wall-clock pair (d, c) in UTC as if UTC were the local zone.
func At(d civil.Date, c Clock) time.Time {
	return midnightUTC(d).Add(time.Duration(c) * time.Minute)
}
