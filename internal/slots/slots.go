// Package slots finds free lesson start times on an owner's wall clock.
//
// Availability is always decided in the owner's zone, where busy windows are
// authored. Conversion to a viewer's zone happens afterwards, in Display.
package slots

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"lessoncal/internal/calendar"
	"lessoncal/internal/errs"
	"lessoncal/internal/model"
	"lessoncal/internal/tz"
)

// GridMinutes is the spacing of candidate start times.
const GridMinutes = 30

// PickerWeeks is the default height of the date picker grid.
const PickerWeeks = 5

// Slot is a candidate lesson on the owner's wall clock. End may be
// calendar.EndOfDay when the lesson runs to midnight.
type Slot struct {
	Start calendar.Clock
	End   calendar.Clock
}

// Rules is the availability input shared by FindSlots and CountAvailableDays.
type Rules struct {
	DurationMinutes int
	OwnerID         string

	// OwnerZone is required. Starts and ends that fall in a DST gap are
	// never offered.
	OwnerZone string

	// Busy is the owner's standing unavailability. Windows belonging to a
	// different owner are ignored.
	Busy []model.BusyWindow

	// Booked holds occurrences materialized in the owner's zone.
	// Cancelled occurrences never block a slot.
	Booked []model.Occurrence

	// Exclude names the occurrence being rescheduled so its own slot counts
	// as free.
	Exclude model.OccurrenceKey

	// Now, when set, hides slots that start at or before it.
	Now time.Time
}

// Query asks for the free slots on one owner date.
type Query struct {
	Date civil.Date
	Rules
}

// FindSlots returns the free grid slots on q.Date in ascending order.
func FindSlots(q Query) ([]Slot, error) {
	if err := checkDuration(q.DurationMinutes); err != nil {
		return nil, err
	}
	if !q.Date.IsValid() {
		return nil, fmt.Errorf("%w: %s", errs.ErrInvalidDateFormat, q.Date)
	}
	loc, err := tz.LoadZone(q.OwnerZone)
	if err != nil {
		return nil, err
	}
	return findSlots(q.Date, q.Rules, loc), nil
}

func findSlots(d civil.Date, r Rules, loc *time.Location) []Slot {
	blocked := blockedSpans(d, r)

	out := make([]Slot, 0)
	for m := 0; m+r.DurationMinutes <= calendar.MinutesPerDay; m += GridMinutes {
		end := m + r.DurationMinutes
		if overlapsAny(m, end, blocked) {
			continue
		}
		if !fitsWallClock(d, m, end, loc) {
			continue
		}
		if !r.Now.IsZero() && !tz.InstantIn(d, calendar.Clock(m), loc).After(r.Now) {
			continue
		}
		out = append(out, Slot{Start: calendar.Clock(m), End: calendar.Clock(end)})
	}
	return out
}

// fitsWallClock rejects slots that a spring-forward gap breaks: a start the
// owner's clock skips, an end inside the gap, or a slot that loses time by
// spanning it. An end exactly at the gap's start is the jump instant and
// stays valid.
func fitsWallClock(d civil.Date, start, end int, loc *time.Location) bool {
	if !onWallClock(d, start, loc) {
		return false
	}
	if !onWallClock(d, end, loc) && !onWallClock(d, end-1, loc) {
		return false
	}
	return instantAt(d, end, loc).Sub(instantAt(d, start, loc)) >= time.Duration(end-start)*time.Minute
}

// onWallClock reports whether minute m of d is a time the owner's clock
// actually shows.
func onWallClock(d civil.Date, m int, loc *time.Location) bool {
	t := instantAt(d, m, loc)
	if m == calendar.MinutesPerDay {
		m = 0
	}
	return calendar.ClockOf(t) == calendar.Clock(m)
}

// instantAt reads minute m of d in loc; m may be the 24:00 bound.
func instantAt(d civil.Date, m int, loc *time.Location) time.Time {
	if m == calendar.MinutesPerDay {
		d, m = d.AddDays(1), 0
	}
	return tz.InstantIn(d, calendar.Clock(m), loc)
}

type span struct{ start, end int }

// blockedSpans collects the busy windows for d's weekday and the lessons
// already booked on d.
func blockedSpans(d civil.Date, r Rules) []span {
	wd := calendar.Weekday(d)
	spans := make([]span, 0, len(r.Busy)+len(r.Booked))
	for _, b := range r.Busy {
		if b.Weekday != wd || !sameOwner(b.OwnerID, r.OwnerID) {
			continue
		}
		spans = append(spans, span{b.Start.Minutes(), b.End.Minutes()})
	}
	for _, o := range r.Booked {
		if o.Date != d || !sameOwner(o.OwnerID, r.OwnerID) {
			continue
		}
		if !blocks(o.Status) {
			continue
		}
		if !r.Exclude.IsZero() && o.Key() == r.Exclude {
			continue
		}
		s, e := o.Span()
		spans = append(spans, span{s, e})
	}
	return spans
}

// blocks reports whether an occurrence in status s occupies its slot.
func blocks(s model.Status) bool {
	switch s {
	case model.StatusScheduled, model.StatusRescheduled, model.StatusCompleted, model.StatusMissed:
		return true
	case model.StatusCancelled:
		return false
	default:
		return true
	}
}

func sameOwner(have, want string) bool {
	return have == "" || want == "" || have == want
}

// overlapsAny is a half-open test: touching boundaries do not overlap.
func overlapsAny(start, end int, spans []span) bool {
	for _, s := range spans {
		if start < s.end && end > s.start {
			return true
		}
	}
	return false
}

func checkDuration(minutes int) error {
	if minutes <= 0 || minutes > calendar.MinutesPerDay {
		return fmt.Errorf("%w: %d minutes", errs.ErrInvalidDuration, minutes)
	}
	return nil
}

// Tomorrow is the owner-zone date after the one now falls on.
func Tomorrow(now time.Time, zone string) (civil.Date, error) {
	loc, err := tz.LoadZone(zone)
	if err != nil {
		return civil.Date{}, err
	}
	return calendar.DateOf(now.In(loc)).AddDays(1), nil
}

// CountAvailableDays reports the number of free slots for every date in
// [from, to]. Dates before tomorrow, in the owner's zone at r.Now, always
// count zero. A zero r.Now means the current time.
func CountAvailableDays(from, to civil.Date, r Rules) (map[civil.Date]int, error) {
	if err := calendar.CheckRange(from, to); err != nil {
		return nil, err
	}
	if err := checkDuration(r.DurationMinutes); err != nil {
		return nil, err
	}
	if r.Now.IsZero() {
		r.Now = time.Now()
	}
	loc, err := tz.LoadZone(r.OwnerZone)
	if err != nil {
		return nil, err
	}
	tomorrow := calendar.DateOf(r.Now.In(loc)).AddDays(1)

	counts := make(map[civil.Date]int, to.DaysSince(from)+1)
	for d := from; !d.After(to); d = d.AddDays(1) {
		if d.Before(tomorrow) {
			counts[d] = 0
			continue
		}
		counts[d] = len(findSlots(d, r, loc))
	}
	return counts, nil
}

// PickerRange returns the date grid offered when rescheduling: weeks full
// weeks starting on the Sunday on or before tomorrow in zone.
func PickerRange(now time.Time, zone string, weeks int) (civil.Date, civil.Date, error) {
	if weeks <= 0 {
		return civil.Date{}, civil.Date{}, fmt.Errorf("%w: %d weeks", errs.ErrInvalidRange, weeks)
	}
	tomorrow, err := Tomorrow(now, zone)
	if err != nil {
		return civil.Date{}, civil.Date{}, err
	}
	start := tomorrow.AddDays(-int(calendar.Weekday(tomorrow)))
	return start, start.AddDays(7*weeks - 1), nil
}

// DisplaySlot pairs the owner-zone slot, which is what gets saved, with the
// same instant read on the viewer's wall clock.
type DisplaySlot struct {
	Owner   Slot
	Date    civil.Date
	Weekday time.Weekday
	Start   calendar.Clock
	End     calendar.Clock
}

// Display converts slots found on the owner date d into viewerZone.
func Display(d civil.Date, slots []Slot, ownerZone, viewerZone string) ([]DisplaySlot, error) {
	out := make([]DisplaySlot, 0, len(slots))
	for _, s := range slots {
		start, err := tz.ConvertInstant(s.Start, d, ownerZone, viewerZone)
		if err != nil {
			return nil, err
		}
		endClock, endDate := s.End, d
		if endClock == calendar.EndOfDay {
			endClock, endDate = 0, d.AddDays(1)
		}
		end, err := tz.ConvertInstant(endClock, endDate, ownerZone, viewerZone)
		if err != nil {
			return nil, err
		}
		out = append(out, DisplaySlot{
			Owner:   s,
			Date:    start.Date,
			Weekday: start.Weekday,
			Start:   start.Time,
			End:     end.Time,
		})
	}
	return out, nil
}
