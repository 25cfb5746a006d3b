package ics

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"lessoncal/internal/calendar"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
	"lessoncal/internal/tz"
)

// parsedEvent is the part of a VEVENT that availability import needs.
type parsedEvent struct {
	UID      string
	Summary  string
	Start    time.Time
	End      time.Time
	AllDay   bool
	RawRRule string
}

// ImportBusyWindows reads weekly recurring events from an ICS payload and
// returns them as busy windows on the owner's wall clock. Events that are
// not weekly (one-off, daily, monthly) are skipped and logged. An event that
// crosses midnight in the owner's zone becomes two windows.
func ImportBusyWindows(body []byte, ownerID, ownerZone string) ([]model.BusyWindow, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	ownerLoc, err := tz.LoadZone(ownerZone)
	if err != nil {
		return nil, err
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "owner_id", ownerID)
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	out := make([]model.BusyWindow, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "owner_id", ownerID)
			continue
		}
		days, ok := weeklyDays(ev)
		if !ok {
			appLog.Info("ics import: skipping non-weekly event", "uid", ev.UID, "summary", ev.Summary, "rrule", ev.RawRRule)
			continue
		}
		out = append(out, windowsFor(ev, days, ownerID, ownerLoc)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		return out[i].Start < out[j].Start
	})
	appLog.Info("ics import completed", "owner_id", ownerID, "window_count", len(out))
	return out, nil
}

func parseVEvent(ve *ical.VEvent) (parsedEvent, error) {
	var out parsedEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil {
		return out, fmt.Errorf("event %s: missing DTSTART", out.UID)
	}
	// VALUE=DATE or no 'T' in the value -> all-day
	if vs, ok := dtStartProp.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		out.AllDay = true
	}
	if !strings.Contains(dtStartProp.Value, "T") {
		out.AllDay = true
	}

	getStart := ve.GetStartAt
	if out.AllDay {
		getStart = ve.GetAllDayStartAt
	}
	start, err := getStart()
	if err != nil {
		return out, fmt.Errorf("event %s: %w", out.UID, err)
	}
	out.Start = start
	if out.AllDay {
		out.End = start.AddDate(0, 0, 1)
	} else {
		end, err := ve.GetEndAt()
		if err != nil {
			return out, fmt.Errorf("event %s: %w", out.UID, err)
		}
		out.End = end
	}
	if !out.End.After(out.Start) {
		return out, fmt.Errorf("event %s: ends before it starts", out.UID)
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}
	return out, nil
}

// weeklyDays returns the weekdays, in the event's own zone, on which a
// FREQ=WEEKLY event starts. Without BYDAY the DTSTART weekday is used.
func weeklyDays(ev parsedEvent) ([]time.Weekday, bool) {
	if ev.RawRRule == "" {
		return nil, false
	}
	opt, err := rrule.StrToROption(ev.RawRRule)
	if err != nil {
		appLog.Error("ics import: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	if opt.Freq != rrule.WEEKLY || (opt.Interval != 0 && opt.Interval != 1) {
		return nil, false
	}
	if len(opt.Byweekday) == 0 {
		return []time.Weekday{ev.Start.Weekday()}, true
	}
	days := make([]time.Weekday, 0, len(opt.Byweekday))
	for _, wd := range opt.Byweekday {
		// rrule counts from Monday = 0.
		days = append(days, time.Weekday((wd.Day()+1)%7))
	}
	return days, true
}

// windowsFor places one weekly event on the owner's wall clock for each of
// its start days.
func windowsFor(ev parsedEvent, days []time.Weekday, ownerID string, ownerLoc *time.Location) []model.BusyWindow {
	out := make([]model.BusyWindow, 0, len(days))
	base := ev.Start.Weekday()
	for _, d := range days {
		// All-day events block the whole owner day, whatever zone the
		// calendar was written in.
		if ev.AllDay {
			out = append(out, model.BusyWindow{OwnerID: ownerID, Weekday: d, Start: 0, End: calendar.EndOfDay})
			continue
		}
		// Move the first instance onto weekday d in the event's own zone,
		// then read it in the owner's zone.
		shift := (int(d) - int(base) + 7) % 7
		start := ev.Start.AddDate(0, 0, shift).In(ownerLoc)
		end := ev.End.AddDate(0, 0, shift).In(ownerLoc)
		out = append(out, split(start, end, ownerID)...)
	}
	return out
}

// split cuts [start, end) at owner midnights. Windows longer than a week
// collapse to a full week.
func split(start, end time.Time, ownerID string) []model.BusyWindow {
	var out []model.BusyWindow
	for day := 0; day < 7 && start.Before(end); day++ {
		startDate := calendar.DateOf(start)
		next := tz.InstantIn(startDate.AddDays(1), 0, start.Location())
		w := model.BusyWindow{
			OwnerID: ownerID,
			Weekday: start.Weekday(),
			Start:   calendar.ClockOf(start),
			End:     calendar.EndOfDay,
		}
		if end.Before(next) {
			w.End = calendar.ClockOf(end)
		}
		if w.Start < w.End {
			out = append(out, w)
		}
		start = next
	}
	return out
}
