// Package recur expands weekly recurrence anchors into concrete calendar dates.
package recur

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/teambition/rrule-go"

	"lessoncal/internal/calendar"
)

var rruleWeekdays = [...]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// ExpandWeekday returns every date in [start, end] that falls on w, in
// ascending order and 7 days apart. The result depends only on its inputs;
// the dates carry no zone and are read on whichever wall clock the caller
// anchors them to.
func ExpandWeekday(w time.Weekday, start, end civil.Date) ([]civil.Date, error) {
	if err := calendar.CheckWeekday(w); err != nil {
		return nil, err
	}
	if err := calendar.CheckRange(start, end); err != nil {
		return nil, err
	}

	// Dates are expanded at 00:00 UTC, which has no transitions to skip over.
	dtStart := calendar.At(start, 0)
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Interval:  1,
		Byweekday: []rrule.Weekday{rruleWeekdays[w]},
		Dtstart:   dtStart,
	})
	if err != nil {
		return nil, fmt.Errorf("recur: build rule: %w", err)
	}

	times := r.Between(dtStart, calendar.At(end, 0), true)
	out := make([]civil.Date, 0, len(times))
	for _, t := range times {
		out = append(out, calendar.DateOf(t))
	}
	return out, nil
}
