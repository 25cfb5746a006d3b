// Package materialize turns recurring rules and their per-occurrence
// overrides into the dated lesson list a viewer sees in their own zone.
package materialize

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"

	"lessoncal/internal/calendar"
	"lessoncal/internal/errs"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
	"lessoncal/internal/recur"
	"lessoncal/internal/tz"
)

// boundaryPadDays widens expansion on both sides of the requested range.
// Offsets between two zones differ by at most 26 hours, so an owner date two
// days outside the range can still convert into it; results are filtered on
// the converted date afterwards.
const boundaryPadDays = 2

// PairingSchedule is everything needed to materialize one provider/client
// pairing: its rules, their overrides, and the zone the rules are authored in.
type PairingSchedule struct {
	PairingID string
	OwnerID   string
	OwnerZone string
	Rules     []model.RecurringRule
	Overrides []model.OverrideRecord
}

// Materialize expands rules across [rangeStart, rangeEnd], resolves each
// candidate against its override, converts the result from ownerZone to
// viewerZone and returns the occurrences whose converted date lies in the
// range, ordered by start instant.
func Materialize(rules []model.RecurringRule, overrides []model.OverrideRecord, rangeStart, rangeEnd civil.Date, ownerZone, viewerZone string) ([]model.Occurrence, error) {
	return MaterializePairings([]PairingSchedule{{
		OwnerZone: ownerZone,
		Rules:     rules,
		Overrides: overrides,
	}}, rangeStart, rangeEnd, viewerZone)
}

// MaterializePairings merges several pairings, each with its own owner zone,
// into one ordered list for a single viewer.
func MaterializePairings(pairings []PairingSchedule, rangeStart, rangeEnd civil.Date, viewerZone string) ([]model.Occurrence, error) {
	if err := calendar.CheckRange(rangeStart, rangeEnd); err != nil {
		return nil, err
	}
	viewerLoc, err := tz.LoadZone(viewerZone)
	if err != nil {
		return nil, err
	}

	out := make([]model.Occurrence, 0)
	for _, ps := range pairings {
		ownerLoc, err := tz.LoadZone(ps.OwnerZone)
		if err != nil {
			return nil, fmt.Errorf("pairing %s: %w", ps.PairingID, err)
		}
		e := &expander{
			ps:         ps,
			ownerLoc:   ownerLoc,
			viewerLoc:  viewerLoc,
			viewerZone: viewerZone,
			rangeStart: rangeStart,
			rangeEnd:   rangeEnd,
		}
		occ, err := e.run()
		if err != nil {
			return nil, err
		}
		out = append(out, occ...)
	}

	sortOccurrences(out)
	return out, nil
}

type expander struct {
	ps         PairingSchedule
	ownerLoc   *time.Location
	viewerLoc  *time.Location
	viewerZone string
	rangeStart civil.Date
	rangeEnd   civil.Date
}

// placement is where and how an occurrence lands on the owner's wall clock.
type placement struct {
	date   civil.Date
	start  calendar.Clock
	end    calendar.Clock
	status model.Status
	from   *civil.Date
}

func (e *expander) run() ([]model.Occurrence, error) {
	known := make(map[string]model.RecurringRule, len(e.ps.Rules))
	active := make([]model.RecurringRule, 0, len(e.ps.Rules))
	for _, r := range e.ps.Rules {
		known[r.ID] = r
		if !r.Active {
			continue
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		active = append(active, r)
	}

	byKey := make(map[model.OccurrenceKey]model.OverrideRecord, len(e.ps.Overrides))
	for _, ov := range e.ps.Overrides {
		if _, ok := known[ov.RuleID]; !ok {
			appLog.Info("materialize: skipping override for unknown rule",
				"rule_id", ov.RuleID,
				"original_date", ov.OriginalDate.String(),
				"pairing_id", e.ps.PairingID,
			)
			continue
		}
		if !ov.Status.Valid() {
			appLog.Info("materialize: skipping override with unknown status",
				"rule_id", ov.RuleID,
				"original_date", ov.OriginalDate.String(),
				"status", string(ov.Status),
			)
			continue
		}
		if _, dup := byKey[ov.Key()]; dup {
			appLog.Info("materialize: duplicate override, keeping the last one", "key", ov.Key().String())
		}
		byKey[ov.Key()] = ov
	}

	padStart := e.rangeStart.AddDays(-boundaryPadDays)
	padEnd := e.rangeEnd.AddDays(boundaryPadDays)

	out := make([]model.Occurrence, 0)
	for _, rule := range active {
		dates, err := recur.ExpandWeekday(rule.Weekday, padStart, padEnd)
		if err != nil {
			return nil, err
		}

		expanded := make(map[civil.Date]struct{}, len(dates))
		for _, d := range dates {
			expanded[d] = struct{}{}
			ov, has := byKey[model.OccurrenceKey{RuleID: rule.ID, OriginalDate: d}]
			p, ok, err := place(rule, d, ov, has)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			occ, in, err := e.convert(rule, d, p)
			if err != nil {
				return nil, err
			}
			if in {
				out = append(out, occ)
			}
		}

		// A lesson moved from a date outside the expanded window can still
		// land inside the range.
		for key, ov := range byKey {
			if key.RuleID != rule.ID || !moved(ov) {
				continue
			}
			if _, seen := expanded[key.OriginalDate]; seen {
				continue
			}
			if calendar.Weekday(key.OriginalDate) != rule.Weekday {
				appLog.Info("materialize: skipping override off the rule's weekday",
					"key", key.String(),
					"weekday", rule.Weekday.String(),
				)
				continue
			}
			p, ok, err := place(rule, key.OriginalDate, ov, true)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			occ, in, err := e.convert(rule, key.OriginalDate, p)
			if err != nil {
				return nil, err
			}
			if in {
				out = append(out, occ)
			}
		}
	}
	return out, nil
}

// moved reports whether an override places its occurrence away from the
// original date: a reschedule, or a completed/missed lesson that had been
// rescheduled before it was marked.
func moved(ov model.OverrideRecord) bool {
	switch ov.Status {
	case model.StatusRescheduled:
		return true
	case model.StatusCompleted, model.StatusMissed:
		return ov.RescheduledFrom != nil
	case model.StatusScheduled, model.StatusCancelled:
		return false
	default:
		return false
	}
}

// place resolves one candidate date against its override. ok is false when
// the occurrence is suppressed.
func place(rule model.RecurringRule, d civil.Date, ov model.OverrideRecord, has bool) (placement, bool, error) {
	original := placement{date: d, start: rule.Start, end: rule.End, status: model.StatusScheduled}
	if !has {
		return original, true, nil
	}

	var p placement
	switch ov.Status {
	case model.StatusCancelled:
		return placement{}, false, nil
	case model.StatusScheduled:
		p = original
		p.from = ov.RescheduledFrom
	case model.StatusRescheduled:
		p = actual(rule, ov)
		from := ov.OriginalDate
		p.from = &from
	case model.StatusCompleted, model.StatusMissed:
		if moved(ov) {
			p = actual(rule, ov)
		} else {
			p = original
		}
		p.status = ov.Status
		p.from = ov.RescheduledFrom
	default:
		return placement{}, false, nil
	}

	if p.start >= p.end {
		return placement{}, false, fmt.Errorf("%w: override %s places %s %s-%s",
			errs.ErrInvalidRule, ov.Key(), p.date, p.start, p.end)
	}
	return p, true, nil
}

func actual(rule model.RecurringRule, ov model.OverrideRecord) placement {
	p := placement{date: ov.ActualDate, start: rule.Start, end: rule.End, status: ov.Status}
	if p.date.IsZero() {
		p.date = ov.OriginalDate
	}
	if ov.ActualStart != nil {
		p.start = *ov.ActualStart
	}
	if ov.ActualEnd != nil {
		p.end = *ov.ActualEnd
	}
	return p
}

// convert moves a placement onto the viewer's wall clock and reports whether
// the converted date falls inside the requested range.
func (e *expander) convert(rule model.RecurringRule, original civil.Date, p placement) (model.Occurrence, bool, error) {
	start, err := tz.ConvertInstant(p.start, p.date, e.ps.OwnerZone, e.viewerZone)
	if err != nil {
		return model.Occurrence{}, false, err
	}
	if !calendar.Within(start.Date, e.rangeStart, e.rangeEnd) {
		return model.Occurrence{}, false, nil
	}
	end, err := tz.ConvertInstant(p.end, p.date, e.ps.OwnerZone, e.viewerZone)
	if err != nil {
		return model.Occurrence{}, false, err
	}

	ownerID := e.ps.OwnerID
	if ownerID == "" {
		ownerID = rule.OwnerID
	}
	pairingID := e.ps.PairingID
	if pairingID == "" {
		pairingID = rule.PairingID
	}

	return model.Occurrence{
		Date:            start.Date,
		Weekday:         start.Weekday,
		Start:           start.Time,
		End:             end.Time,
		RuleID:          rule.ID,
		PairingID:       pairingID,
		OwnerID:         ownerID,
		OwnerZone:       e.ps.OwnerZone,
		Status:          p.status,
		OriginalDate:    original,
		RescheduledFrom: p.from,
		StartsAt:        tz.InstantIn(p.date, p.start, e.ownerLoc).In(e.viewerLoc),
		EndsAt:          tz.InstantIn(p.date, p.end, e.ownerLoc).In(e.viewerLoc),
	}, true, nil
}

func sortOccurrences(occ []model.Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		a, b := occ[i], occ[j]
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.Before(b.StartsAt)
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.OriginalDate.Before(b.OriginalDate)
	})
}
