// Package tz converts wall-clock (date, time) pairs and weekly anchors
// between IANA time zones.
//
// Every conversion carries the (date, time, zone) triple together. A time of
// day converted without its date can cross midnight silently, so there is no
// API here that accepts a bare time.
//
// Wall times that occur twice (DST fall-back) resolve to the standard-time
// instant. Wall times that never occur (DST spring-forward gap) are read with
// the standard-time offset, which places them just after the gap.
package tz

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"lessoncal/internal/calendar"
	"lessoncal/internal/errs"
)

// referenceSunday anchors weekly conversions; 2025-01-05 is a Sunday and the
// week that follows has no DST transition in any zone that observes one.
var referenceSunday = civil.Date{Year: 2025, Month: time.January, Day: 5}

// Result is a wall-clock reading of one absolute instant in a target zone.
type Result struct {
	Time    calendar.Clock
	Date    civil.Date
	Weekday time.Weekday
}

// LoadZone resolves an IANA identifier. The empty string and "Local" are not
// IANA names and are rejected along with anything the zone database lacks.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownZone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownZone, name)
	}
	return loc, nil
}

// ConvertInstant reinterprets the wall clock (d, t) in fromZone as the same
// absolute instant read on toZone's wall clock. The date rolls forward or
// backward when the conversion crosses midnight.
func ConvertInstant(t calendar.Clock, d civil.Date, fromZone, toZone string) (Result, error) {
	if err := checkInput(t, d); err != nil {
		return Result{}, err
	}
	fromLoc, err := LoadZone(fromZone)
	if err != nil {
		return Result{}, err
	}
	toLoc, err := LoadZone(toZone)
	if err != nil {
		return Result{}, err
	}
	if fromZone == toZone {
		return Result{Time: t, Date: d, Weekday: calendar.Weekday(d)}, nil
	}

	local := resolve(d, t, fromLoc).In(toLoc)
	return Result{
		Time:    calendar.ClockOf(local),
		Date:    calendar.DateOf(local),
		Weekday: local.Weekday(),
	}, nil
}

// ConvertWeeklyAnchor converts a recurrence anchor (weekday, time) that is not
// tied to a real date. The anchor is projected onto the reference week,
// converted as a concrete instant, and the weekday is read back.
func ConvertWeeklyAnchor(w time.Weekday, t calendar.Clock, fromZone, toZone string) (time.Weekday, calendar.Clock, error) {
	if err := calendar.CheckWeekday(w); err != nil {
		return 0, 0, err
	}
	res, err := ConvertInstant(t, referenceSunday.AddDays(int(w)), fromZone, toZone)
	if err != nil {
		return 0, 0, err
	}
	return res.Weekday, res.Time, nil
}

// Instant returns the absolute instant shown as (d, t) on zone's wall clock,
// expressed in that zone's location.
func Instant(d civil.Date, t calendar.Clock, zone string) (time.Time, error) {
	if err := checkInput(t, d); err != nil {
		return time.Time{}, err
	}
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	return resolve(d, t, loc).In(loc), nil
}

// InstantIn is Instant for an already resolved location.
func InstantIn(d civil.Date, t calendar.Clock, loc *time.Location) time.Time {
	return resolve(d, t, loc).In(loc)
}

func checkInput(t calendar.Clock, d civil.Date) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %s", errs.ErrInvalidTimeFormat, t)
	}
	if !d.IsValid() {
		return fmt.Errorf("%w: %s", errs.ErrInvalidDateFormat, d)
	}
	return nil
}

// resolve finds the UTC instant that loc displays as (d, t).
//
// The pair is first read as if it were UTC. The zone offset observed at that
// nominal instant is inverted to get a candidate; offsets observed a day
// before and after are tried too, since the nominal instant can sit on the
// other side of a transition from the real one. Every candidate is checked by
// rendering it back in loc.
func resolve(d civil.Date, t calendar.Clock, loc *time.Location) time.Time {
	naive := calendar.At(d, t)

	type candidate struct {
		offset int
		dst    bool
	}
	var cands []candidate
	for _, ref := range []time.Time{naive, naive.Add(-24 * time.Hour), naive.Add(24 * time.Hour)} {
		local := ref.In(loc)
		_, off := local.Zone()
		dup := false
		for _, c := range cands {
			if c.offset == off {
				dup = true
				break
			}
		}
		if !dup {
			cands = append(cands, candidate{offset: off, dst: local.IsDST()})
		}
	}

	var matches []time.Time
	for _, c := range cands {
		inst := naive.Add(-time.Duration(c.offset) * time.Second)
		local := inst.In(loc)
		if calendar.DateOf(local) == d && calendar.ClockOf(local) == t {
			matches = append(matches, inst)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0]
	case 0:
		// Spring-forward gap: read with the standard offset.
		off := cands[0].offset
		for _, c := range cands {
			if !c.dst {
				off = c.offset
				break
			}
		}
		return naive.Add(-time.Duration(off) * time.Second)
	default:
		// Fall-back overlap: prefer the standard-time reading.
		best := matches[0]
		for _, m := range matches {
			if !m.In(loc).IsDST() {
				if best.In(loc).IsDST() || m.Before(best) {
					best = m
				}
			}
		}
		return best
	}
}
