// Package calendar holds the wall-clock primitives shared by the engine:
// a minute-precision time of day and helpers around civil.Date.
package calendar

import (
	"fmt"
	"strconv"

	"lessoncal/internal/errs"
)

// MinutesPerDay is the length of a civil day on the wall clock.
const MinutesPerDay = 24 * 60

// Clock is a time of day in minutes since midnight, valid in [00:00, 24:00).
type Clock int

// EndOfDay is the exclusive 24:00 bound. It is only produced as the end of an
// interval and is never accepted by ParseClock.
const EndOfDay Clock = MinutesPerDay

// NewClock builds a Clock from hour and minute.
func NewClock(hour, minute int) (Clock, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: %02d:%02d", errs.ErrInvalidTimeFormat, hour, minute)
	}
	return Clock(hour*60 + minute), nil
}

// MustClock is NewClock for constants in tests and fixtures.
func MustClock(hour, minute int) Clock {
	c, err := NewClock(hour, minute)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseClock accepts "HH:MM" or the database form "HH:MM:00".
// Anything else (single-digit fields, seconds other than 00, 24:00) fails
// with errs.ErrInvalidTimeFormat.
func ParseClock(s string) (Clock, error) {
	switch len(s) {
	case 5:
	case 8:
		if s[5] != ':' || s[6:] != "00" {
			return 0, fmt.Errorf("%w: %q", errs.ErrInvalidTimeFormat, s)
		}
	default:
		return 0, fmt.Errorf("%w: %q", errs.ErrInvalidTimeFormat, s)
	}
	if s[2] != ':' || !digits(s[0:2]) || !digits(s[3:5]) {
		return 0, fmt.Errorf("%w: %q", errs.ErrInvalidTimeFormat, s)
	}
	h, _ := strconv.Atoi(s[0:2])
	m, _ := strconv.Atoi(s[3:5])
	c, err := NewClock(h, m)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errs.ErrInvalidTimeFormat, s)
	}
	return c, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Valid reports whether c is a time of day in [00:00, 24:00).
func (c Clock) Valid() bool { return c >= 0 && c < EndOfDay }

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

// Minutes returns the offset from midnight.
func (c Clock) Minutes() int { return int(c) }

// String renders "HH:MM"; EndOfDay renders as "24:00".
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// MarshalText implements encoding.TextMarshaler.
func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
