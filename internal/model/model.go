// Package model defines the lesson scheduling entities shared by the engine,
// the store and the HTTP layer.
package model

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"lessoncal/internal/calendar"
	"lessoncal/internal/errs"
)

// Status is the closed set of occurrence states.
type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusCompleted   Status = "completed"
	StatusMissed      Status = "missed"
	StatusRescheduled Status = "rescheduled"
	StatusCancelled   Status = "cancelled"
)

// ParseStatus maps a stored string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidStatus, s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusMissed, StatusRescheduled, StatusCancelled:
		return true
	default:
		return false
	}
}

// Role distinguishes the two parties of a pairing.
type Role string

const (
	RoleProvider Role = "provider"
	RoleClient   Role = "client"
)

// Profile is a participant and the zone their wall clock lives in.
type Profile struct {
	ID       string
	Name     string
	Role     Role
	Timezone string
}

// Pairing links one provider and one client. Rules belong to a pairing.
type Pairing struct {
	ID         string
	ProviderID string
	ClientID   string
	Active     bool
	MatchedAt  time.Time
}

// RecurringRule is a standing weekly lesson slot, authored on the owner's
// (provider's) wall clock. Rules are deactivated, never deleted.
type RecurringRule struct {
	ID        string
	PairingID string
	OwnerID   string
	Weekday   time.Weekday
	Start     calendar.Clock
	End       calendar.Clock
	Active    bool
}

// Validate rejects rules that cannot be expanded.
func (r RecurringRule) Validate() error {
	if err := calendar.CheckWeekday(r.Weekday); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if !r.Start.Valid() || !r.End.Valid() {
		return fmt.Errorf("rule %s: %w", r.ID, errs.ErrInvalidTimeFormat)
	}
	if r.Start >= r.End {
		return fmt.Errorf("%w: rule %s starts at %s, ends at %s", errs.ErrInvalidRule, r.ID, r.Start, r.End)
	}
	return nil
}

// DurationMinutes is the lesson length.
func (r RecurringRule) DurationMinutes() int {
	return int(r.End - r.Start)
}

// OccurrenceKey identifies one occurrence of a rule for its whole life: the
// rule plus the date blind expansion produced, however many times the lesson
// is moved afterwards.
type OccurrenceKey struct {
	RuleID       string
	OriginalDate civil.Date
}

func (k OccurrenceKey) String() string {
	return k.RuleID + "/" + k.OriginalDate.String()
}

// IsZero reports whether the key is unset.
func (k OccurrenceKey) IsZero() bool {
	return k.RuleID == "" && k.OriginalDate.IsZero()
}

// OverrideRecord changes the default state of one occurrence. There is at
// most one per OccurrenceKey; it is updated in place and never deleted.
type OverrideRecord struct {
	RuleID          string
	OriginalDate    civil.Date
	ActualDate      civil.Date
	ActualStart     *calendar.Clock
	ActualEnd       *calendar.Clock
	Status          Status
	RescheduledFrom *civil.Date
}

func (o OverrideRecord) Key() OccurrenceKey {
	return OccurrenceKey{RuleID: o.RuleID, OriginalDate: o.OriginalDate}
}

// BusyWindow is standing weekly unavailability on the owner's wall clock.
type BusyWindow struct {
	OwnerID string
	Weekday time.Weekday
	Start   calendar.Clock
	End     calendar.Clock
}

// Validate rejects windows outside the day or with start >= end.
// End may be calendar.EndOfDay for a window running to midnight.
func (b BusyWindow) Validate() error {
	if err := calendar.CheckWeekday(b.Weekday); err != nil {
		return err
	}
	if !b.Start.Valid() || b.End <= 0 || b.End > calendar.EndOfDay {
		return fmt.Errorf("busy window %s-%s: %w", b.Start, b.End, errs.ErrInvalidTimeFormat)
	}
	if b.Start >= b.End {
		return fmt.Errorf("%w: busy window %s-%s", errs.ErrInvalidRule, b.Start, b.End)
	}
	return nil
}

// Occurrence is one materialized lesson as a particular viewer sees it.
// It is derived on every query and never stored.
type Occurrence struct {
	Date    civil.Date
	Weekday time.Weekday
	Start   calendar.Clock
	End     calendar.Clock

	RuleID    string
	PairingID string
	OwnerID   string
	OwnerZone string

	Status          Status
	OriginalDate    civil.Date
	RescheduledFrom *civil.Date

	// StartsAt / EndsAt are the absolute bounds in the viewer's location.
	StartsAt time.Time
	EndsAt   time.Time
}

func (o Occurrence) Key() OccurrenceKey {
	return OccurrenceKey{RuleID: o.RuleID, OriginalDate: o.OriginalDate}
}

// Span returns the occurrence as minute offsets on its own date. An end that
// wraps past midnight is clamped to the end of the day.
func (o Occurrence) Span() (start, end int) {
	start, end = o.Start.Minutes(), o.End.Minutes()
	if end <= start {
		end = calendar.MinutesPerDay
	}
	return start, end
}
