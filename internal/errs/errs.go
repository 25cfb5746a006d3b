// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrInvalidTimeFormat indicates a malformed or out-of-range time-of-day string.
	ErrInvalidTimeFormat = errors.New("invalid time format")

	// ErrInvalidDateFormat indicates a malformed calendar date string.
	ErrInvalidDateFormat = errors.New("invalid date format")

	// ErrUnknownZone indicates an identifier missing from the IANA zone database.
	ErrUnknownZone = errors.New("unknown zone")

	// ErrInvalidRule indicates a recurring rule or override whose start is not before its end.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrInvalidRange indicates a date range whose end precedes its start.
	ErrInvalidRange = errors.New("invalid range")

	// ErrInvalidWeekday indicates a weekday outside 0 (Sunday) .. 6 (Saturday).
	ErrInvalidWeekday = errors.New("invalid weekday")

	// ErrInvalidDuration indicates a lesson duration that cannot fit in a day.
	ErrInvalidDuration = errors.New("invalid duration")

	// ErrInvalidStatus indicates a status outside the closed occurrence status set.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSlotUnavailable indicates the requested slot overlaps busy time or another lesson.
	ErrSlotUnavailable = errors.New("slot unavailable")
)
