package store

import (
	"fmt"
	"time"

	"lessoncal/internal/calendar"
	"lessoncal/internal/model"
)

// Dates are stored as "YYYY-MM-DD" and times of day as "HH:MM" so that rows
// read the same in sqlite and postgres and sort lexically.

// ProfileRecord is a participant row.
type ProfileRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:256"`
	Role      string `gorm:"size:16;not null"`
	Timezone  string `gorm:"size:64;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProfileRecord) TableName() string { return "profiles" }

// PairingRecord links a provider with a client.
type PairingRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	ProviderID string `gorm:"size:36;index;not null"`
	ClientID   string `gorm:"size:36;index;not null"`
	Active     bool   `gorm:"not null"`
	MatchedAt  time.Time
	CreatedAt  time.Time
}

func (PairingRecord) TableName() string { return "pairings" }

// RuleRecord is a weekly lesson rule. Rows are deactivated, never deleted.
type RuleRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	PairingID string `gorm:"size:36;index;not null"`
	OwnerID   string `gorm:"size:36;index;not null"`
	Weekday   int    `gorm:"not null"`
	StartTime string `gorm:"size:5;not null"`
	EndTime   string `gorm:"size:5;not null"`
	Active    bool   `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RuleRecord) TableName() string { return "recurring_rules" }

// OverrideRow is the per-occurrence override. (rule_id, original_date) is
// unique; the row is updated in place.
type OverrideRow struct {
	ID              string  `gorm:"primaryKey;size:36"`
	RuleID          string  `gorm:"size:36;not null;uniqueIndex:idx_override_key"`
	OriginalDate    string  `gorm:"size:10;not null;uniqueIndex:idx_override_key"`
	ActualDate      string  `gorm:"size:10;not null"`
	ActualStart     *string `gorm:"size:5"`
	ActualEnd       *string `gorm:"size:5"`
	Status          string  `gorm:"size:16;not null"`
	RescheduledFrom *string `gorm:"size:10"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (OverrideRow) TableName() string { return "lesson_overrides" }

// BusyWindowRecord is one standing weekly unavailable block of an owner.
type BusyWindowRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	OwnerID   string `gorm:"size:36;index;not null"`
	Weekday   int    `gorm:"not null"`
	StartTime string `gorm:"size:5;not null"`
	EndTime   string `gorm:"size:5;not null"`
	CreatedAt time.Time
}

func (BusyWindowRecord) TableName() string { return "busy_windows" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&ProfileRecord{},
		&PairingRecord{},
		&RuleRecord{},
		&OverrideRow{},
		&BusyWindowRecord{},
	}
}

func profileFromRecord(r ProfileRecord) model.Profile {
	return model.Profile{ID: r.ID, Name: r.Name, Role: model.Role(r.Role), Timezone: r.Timezone}
}

func pairingFromRecord(r PairingRecord) model.Pairing {
	return model.Pairing{ID: r.ID, ProviderID: r.ProviderID, ClientID: r.ClientID, Active: r.Active, MatchedAt: r.MatchedAt}
}

func ruleFromRecord(r RuleRecord) (model.RecurringRule, error) {
	start, err := calendar.ParseClock(r.StartTime)
	if err != nil {
		return model.RecurringRule{}, fmt.Errorf("rule %s start: %w", r.ID, err)
	}
	end, err := calendar.ParseClock(r.EndTime)
	if err != nil {
		return model.RecurringRule{}, fmt.Errorf("rule %s end: %w", r.ID, err)
	}
	return model.RecurringRule{
		ID:        r.ID,
		PairingID: r.PairingID,
		OwnerID:   r.OwnerID,
		Weekday:   time.Weekday(r.Weekday),
		Start:     start,
		End:       end,
		Active:    r.Active,
	}, nil
}

func ruleToRecord(r model.RecurringRule) RuleRecord {
	return RuleRecord{
		ID:        r.ID,
		PairingID: r.PairingID,
		OwnerID:   r.OwnerID,
		Weekday:   int(r.Weekday),
		StartTime: r.Start.String(),
		EndTime:   r.End.String(),
		Active:    r.Active,
	}
}

func overrideFromRow(r OverrideRow) (model.OverrideRecord, error) {
	orig, err := calendar.ParseDate(r.OriginalDate)
	if err != nil {
		return model.OverrideRecord{}, err
	}
	actual, err := calendar.ParseDate(r.ActualDate)
	if err != nil {
		return model.OverrideRecord{}, err
	}
	status, err := model.ParseStatus(r.Status)
	if err != nil {
		return model.OverrideRecord{}, err
	}
	out := model.OverrideRecord{
		RuleID:       r.RuleID,
		OriginalDate: orig,
		ActualDate:   actual,
		Status:       status,
	}
	if out.ActualStart, err = optClock(r.ActualStart); err != nil {
		return model.OverrideRecord{}, err
	}
	if out.ActualEnd, err = optClock(r.ActualEnd); err != nil {
		return model.OverrideRecord{}, err
	}
	if r.RescheduledFrom != nil {
		d, err := calendar.ParseDate(*r.RescheduledFrom)
		if err != nil {
			return model.OverrideRecord{}, err
		}
		out.RescheduledFrom = &d
	}
	return out, nil
}

func overrideToRow(o model.OverrideRecord) OverrideRow {
	actual := o.ActualDate
	if actual.IsZero() {
		actual = o.OriginalDate
	}
	row := OverrideRow{
		RuleID:       o.RuleID,
		OriginalDate: o.OriginalDate.String(),
		ActualDate:   actual.String(),
		Status:       string(o.Status),
	}
	if o.ActualStart != nil {
		s := o.ActualStart.String()
		row.ActualStart = &s
	}
	if o.ActualEnd != nil {
		s := o.ActualEnd.String()
		row.ActualEnd = &s
	}
	if o.RescheduledFrom != nil {
		s := o.RescheduledFrom.String()
		row.RescheduledFrom = &s
	}
	return row
}

func busyFromRecord(r BusyWindowRecord) (model.BusyWindow, error) {
	start, err := calendar.ParseClock(r.StartTime)
	if err != nil {
		return model.BusyWindow{}, err
	}
	end, err := parseEnd(r.EndTime)
	if err != nil {
		return model.BusyWindow{}, err
	}
	return model.BusyWindow{OwnerID: r.OwnerID, Weekday: time.Weekday(r.Weekday), Start: start, End: end}, nil
}

// parseEnd accepts "24:00" for a window that runs to midnight.
func parseEnd(s string) (calendar.Clock, error) {
	if s == calendar.EndOfDay.String() {
		return calendar.EndOfDay, nil
	}
	return calendar.ParseClock(s)
}

func optClock(s *string) (*calendar.Clock, error) {
	if s == nil {
		return nil, nil
	}
	c, err := calendar.ParseClock(*s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
