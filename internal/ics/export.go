// Package ics moves lessons and availability in and out of iCalendar.
//
// Export renders materialized occurrences as a VCALENDAR feed that external
// calendar apps can subscribe to. ImportBusyWindows reads weekly recurring
// VEVENTs back as an owner's standing busy windows. Fetcher retrieves remote
// ICS payloads with HTTP caching.
package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"lessoncal/internal/model"
)

const productID = "-//lessoncal//lesson feed//EN"

// ExportOptions controls feed metadata.
type ExportOptions struct {
	// Name is shown by calendar apps as the subscription title.
	Name string
	// Zone is the viewer's IANA zone, advertised as X-WR-TIMEZONE.
	Zone string
	// Refresh is the suggested polling interval.
	Refresh time.Duration
	// Stamp is DTSTAMP for every event. Zero means now.
	Stamp time.Time
	// Titles maps pairing ids to an event summary. Missing pairings get
	// "Lesson".
	Titles map[string]string
}

// UID is the stable iCalendar identifier of an occurrence. It survives
// reschedules because it is derived from the original date.
func UID(o model.Occurrence) string {
	return strings.ReplaceAll(o.Key().String(), "/", "-") + "@lessoncal"
}

// Export renders occurrences as an iCalendar document. Instants are written
// in UTC, so the payload does not depend on VTIMEZONE support.
func Export(occ []model.Occurrence, opts ExportOptions) ([]byte, error) {
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if opts.Name != "" {
		cal.SetName(opts.Name)
		cal.SetXWRCalName(opts.Name)
	}
	if opts.Zone != "" {
		cal.SetXWRTimezone(opts.Zone)
	}
	if opts.Refresh > 0 {
		cal.SetRefreshInterval(isoDuration(opts.Refresh))
	}

	for _, o := range occ {
		if o.StartsAt.IsZero() || o.EndsAt.IsZero() {
			return nil, fmt.Errorf("occurrence %s has no absolute time", o.Key())
		}
		if !o.EndsAt.After(o.StartsAt) {
			return nil, fmt.Errorf("occurrence %s ends before it starts", o.Key())
		}

		ev := cal.AddEvent(UID(o))
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(o.StartsAt)
		ev.SetEndAt(o.EndsAt)
		ev.SetSummary(title(o, opts.Titles))
		ev.SetDescription(description(o))
		ev.SetStatus(objectStatus(o.Status))
		ev.SetProperty(ical.ComponentPropertyCategories, strings.ToUpper(string(o.Status)))
	}

	return []byte(cal.Serialize()), nil
}

func title(o model.Occurrence, titles map[string]string) string {
	if t, ok := titles[o.PairingID]; ok && t != "" {
		return t
	}
	return "Lesson"
}

func description(o model.Occurrence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s", o.Status)
	if o.RescheduledFrom != nil {
		fmt.Fprintf(&b, "\nMoved from %s", o.RescheduledFrom)
	}
	if o.OwnerZone != "" {
		fmt.Fprintf(&b, "\nTeacher time: %s", o.OwnerZone)
	}
	return b.String()
}

func objectStatus(s model.Status) ical.ObjectStatus {
	switch s {
	case model.StatusScheduled, model.StatusRescheduled, model.StatusCompleted, model.StatusMissed:
		return ical.ObjectStatusConfirmed
	case model.StatusCancelled:
		return ical.ObjectStatusCancelled
	default:
		return ical.ObjectStatusTentative
	}
}

// isoDuration formats d as an RFC 5545 duration (e.g. PT15M).
func isoDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("PT%dH%dM", h, m)
	case h > 0:
		return fmt.Sprintf("PT%dH", h)
	default:
		return fmt.Sprintf("PT%dM", m)
	}
}
