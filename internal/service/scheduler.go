// Package service wires the store to the scheduling engine: it loads a
// consistent snapshot of rules, overrides and availability, runs the
// materializer or slot search on it, and writes overrides back.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"lessoncal/internal/calendar"
	"lessoncal/internal/errs"
	"lessoncal/internal/ics"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/materialize"
	"lessoncal/internal/model"
	"lessoncal/internal/slots"
	"lessoncal/internal/store"
	"lessoncal/internal/tz"
)

// Scheduler is safe for concurrent use; it holds no mutable state.
type Scheduler struct {
	store       store.Store
	defaultZone string
	pickerWeeks int
	now         func() time.Time
	fetcher     *ics.Fetcher
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPickerWeeks sets the height of the reschedule date picker.
func WithPickerWeeks(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.pickerWeeks = n
		}
	}
}

// WithFetcher enables importing availability from a calendar URL.
func WithFetcher(f *ics.Fetcher) Option {
	return func(s *Scheduler) { s.fetcher = f }
}

// New constructs a Scheduler. defaultZone is used for profiles that have no
// zone set.
func New(st store.Store, defaultZone string, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       st,
		defaultZone: defaultZone,
		pickerWeeks: slots.PickerWeeks,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Profile returns a participant with its zone filled in.
func (s *Scheduler) Profile(ctx context.Context, id string) (model.Profile, error) {
	p, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return model.Profile{}, err
	}
	if p.Timezone == "" {
		p.Timezone = s.defaultZone
	}
	return p, nil
}

// ActivePairings lists every active pairing.
func (s *Scheduler) ActivePairings(ctx context.Context) ([]model.Pairing, error) {
	return s.store.ListActivePairings(ctx)
}

func (s *Scheduler) zoneOf(ctx context.Context, profileID string) (string, error) {
	p, err := s.Profile(ctx, profileID)
	if err != nil {
		return "", err
	}
	return p.Timezone, nil
}

// schedules loads every active rule of the pairings, the overrides of those
// rules, and the provider zone of each pairing.
func (s *Scheduler) schedules(ctx context.Context, pairings []model.Pairing) ([]materialize.PairingSchedule, error) {
	if len(pairings) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(pairings))
	for _, p := range pairings {
		ids = append(ids, p.ID)
	}

	rules, err := s.store.ListActiveRules(ctx, ids)
	if err != nil {
		return nil, err
	}
	ruleIDs := make([]string, 0, len(rules))
	rulesByPairing := make(map[string][]model.RecurringRule, len(pairings))
	pairingOfRule := make(map[string]string, len(rules))
	for _, r := range rules {
		ruleIDs = append(ruleIDs, r.ID)
		rulesByPairing[r.PairingID] = append(rulesByPairing[r.PairingID], r)
		pairingOfRule[r.ID] = r.PairingID
	}

	overrides, err := s.store.ListOverrides(ctx, ruleIDs)
	if err != nil {
		return nil, err
	}
	overridesByPairing := make(map[string][]model.OverrideRecord, len(pairings))
	for _, o := range overrides {
		pid := pairingOfRule[o.RuleID]
		overridesByPairing[pid] = append(overridesByPairing[pid], o)
	}

	zones := make(map[string]string)
	out := make([]materialize.PairingSchedule, 0, len(pairings))
	for _, p := range pairings {
		zone, ok := zones[p.ProviderID]
		if !ok {
			zone, err = s.zoneOf(ctx, p.ProviderID)
			if err != nil {
				return nil, fmt.Errorf("pairing %s provider: %w", p.ID, err)
			}
			zones[p.ProviderID] = zone
		}
		out = append(out, materialize.PairingSchedule{
			PairingID: p.ID,
			OwnerID:   p.ProviderID,
			OwnerZone: zone,
			Rules:     rulesByPairing[p.ID],
			Overrides: overridesByPairing[p.ID],
		})
	}
	return out, nil
}

func (s *Scheduler) pairings(ctx context.Context, ids []string) ([]model.Pairing, error) {
	out := make([]model.Pairing, 0, len(ids))
	for _, id := range ids {
		p, err := s.store.GetPairing(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Lessons materializes the given pairings over [from, to] for a viewer.
func (s *Scheduler) Lessons(ctx context.Context, pairingIDs []string, from, to civil.Date, viewerZone string) ([]model.Occurrence, error) {
	if err := calendar.CheckRange(from, to); err != nil {
		return nil, err
	}
	pairings, err := s.pairings(ctx, pairingIDs)
	if err != nil {
		return nil, err
	}
	return s.materialize(ctx, pairings, from, to, viewerZone)
}

// LessonsFor is the calendar of one participant: every active pairing they
// are part of, shown in their own zone.
func (s *Scheduler) LessonsFor(ctx context.Context, profileID string, from, to civil.Date) ([]model.Occurrence, error) {
	if err := calendar.CheckRange(from, to); err != nil {
		return nil, err
	}
	zone, err := s.zoneOf(ctx, profileID)
	if err != nil {
		return nil, err
	}
	pairings, err := s.store.ListPairings(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return s.materialize(ctx, pairings, from, to, zone)
}

func (s *Scheduler) materialize(ctx context.Context, pairings []model.Pairing, from, to civil.Date, viewerZone string) ([]model.Occurrence, error) {
	scheds, err := s.schedules(ctx, pairings)
	if err != nil {
		return nil, err
	}
	return materialize.MaterializePairings(scheds, from, to, viewerZone)
}

// ProviderBookings returns every lesson of a provider over [from, to] on the
// provider's own wall clock. This is the booked set slot search runs against.
func (s *Scheduler) ProviderBookings(ctx context.Context, providerID string, from, to civil.Date) ([]model.Occurrence, string, error) {
	zone, err := s.zoneOf(ctx, providerID)
	if err != nil {
		return nil, "", err
	}
	all, err := s.store.ListPairings(ctx, providerID)
	if err != nil {
		return nil, "", err
	}
	pairings := all[:0:0]
	for _, p := range all {
		if p.ProviderID == providerID {
			pairings = append(pairings, p)
		}
	}
	occ, err := s.materialize(ctx, pairings, from, to, zone)
	if err != nil {
		return nil, "", err
	}
	return occ, zone, nil
}

// SlotRequest asks for open start times on one provider date.
type SlotRequest struct {
	ProviderID      string
	Date            civil.Date
	DurationMinutes int
	// Lesson is the occurrence being moved, if any. Its own slot counts as
	// free, and when ProviderID or DurationMinutes are unset they are taken
	// from its rule.
	Lesson     model.OccurrenceKey
	ViewerZone string
}

// slotContext gathers the owner-side inputs of a slot search.
type slotContext struct {
	providerID string
	zone       string
	duration   int
	busy       []model.BusyWindow
}

func (s *Scheduler) slotContext(ctx context.Context, req SlotRequest) (slotContext, error) {
	sc := slotContext{providerID: req.ProviderID, duration: req.DurationMinutes}
	if !req.Lesson.IsZero() && (sc.providerID == "" || sc.duration == 0) {
		rule, current, err := s.occurrence(ctx, req.Lesson)
		if err != nil {
			return slotContext{}, err
		}
		if sc.providerID == "" {
			sc.providerID = rule.OwnerID
		}
		if sc.duration == 0 {
			start, end := span(rule, current)
			sc.duration = int(end - start)
		}
	}
	if sc.providerID == "" {
		return slotContext{}, fmt.Errorf("provider: %w", errs.ErrNotFound)
	}
	zone, err := s.zoneOf(ctx, sc.providerID)
	if err != nil {
		return slotContext{}, err
	}
	sc.zone = zone
	busy, err := s.store.ListBusyWindows(ctx, sc.providerID)
	if err != nil {
		return slotContext{}, err
	}
	sc.busy = busy
	return sc, nil
}

// Slots returns the free slots on req.Date, decided on the provider's clock
// and shown on the viewer's.
func (s *Scheduler) Slots(ctx context.Context, req SlotRequest) ([]slots.DisplaySlot, error) {
	sc, err := s.slotContext(ctx, req)
	if err != nil {
		return nil, err
	}
	booked, _, err := s.ProviderBookings(ctx, sc.providerID, req.Date, req.Date)
	if err != nil {
		return nil, err
	}
	found, err := slots.FindSlots(slots.Query{
		Date: req.Date,
		Rules: slots.Rules{
			DurationMinutes: sc.duration,
			OwnerID:         sc.providerID,
			OwnerZone:       sc.zone,
			Busy:            sc.busy,
			Booked:          booked,
			Exclude:         req.Lesson,
			Now:             s.now(),
		},
	})
	if err != nil {
		return nil, err
	}
	viewer := req.ViewerZone
	if viewer == "" {
		viewer = sc.zone
	}
	return slots.Display(req.Date, found, sc.zone, viewer)
}

// SlotDays is the reschedule date picker: a grid of whole weeks starting on
// the Sunday on or before tomorrow, with the number of free slots per date.
type SlotDays struct {
	From   civil.Date
	To     civil.Date
	Counts map[civil.Date]int
}

// SlotDays counts free slots for every date of the picker grid. req.Date is
// ignored.
func (s *Scheduler) SlotDays(ctx context.Context, req SlotRequest) (SlotDays, error) {
	sc, err := s.slotContext(ctx, req)
	if err != nil {
		return SlotDays{}, err
	}
	now := s.now()
	from, to, err := slots.PickerRange(now, sc.zone, s.pickerWeeks)
	if err != nil {
		return SlotDays{}, err
	}
	booked, _, err := s.ProviderBookings(ctx, sc.providerID, from, to)
	if err != nil {
		return SlotDays{}, err
	}
	counts, err := slots.CountAvailableDays(from, to, slots.Rules{
		DurationMinutes: sc.duration,
		OwnerID:         sc.providerID,
		OwnerZone:       sc.zone,
		Busy:            sc.busy,
		Booked:          booked,
		Exclude:         req.Lesson,
		Now:             now,
	})
	if err != nil {
		return SlotDays{}, err
	}
	return SlotDays{From: from, To: to, Counts: counts}, nil
}

// occurrence loads the rule behind key and the override currently applied
// to it, if any.
func (s *Scheduler) occurrence(ctx context.Context, key model.OccurrenceKey) (model.RecurringRule, *model.OverrideRecord, error) {
	rule, err := s.store.GetRule(ctx, key.RuleID)
	if err != nil {
		return model.RecurringRule{}, nil, err
	}
	if !rule.Active {
		return model.RecurringRule{}, nil, fmt.Errorf("rule %s is inactive: %w", rule.ID, errs.ErrNotFound)
	}
	if !key.OriginalDate.IsValid() || calendar.Weekday(key.OriginalDate) != rule.Weekday {
		return model.RecurringRule{}, nil, fmt.Errorf("no occurrence %s: %w", key, errs.ErrNotFound)
	}
	overrides, err := s.store.ListOverrides(ctx, []string{rule.ID})
	if err != nil {
		return model.RecurringRule{}, nil, err
	}
	for i := range overrides {
		if overrides[i].Key() == key {
			return rule, &overrides[i], nil
		}
	}
	return rule, nil, nil
}

// span is the current owner-clock start and end of an occurrence.
func span(rule model.RecurringRule, current *model.OverrideRecord) (calendar.Clock, calendar.Clock) {
	start, end := rule.Start, rule.End
	if current != nil && current.Status == model.StatusRescheduled {
		if current.ActualStart != nil {
			start = *current.ActualStart
		}
		if current.ActualEnd != nil {
			end = *current.ActualEnd
		}
	}
	return start, end
}

// Reschedule moves one occurrence to newDate at newStart on the provider's
// clock, keeping its length. The target must be a free grid slot no earlier
// than tomorrow; the lesson's own current slot does not count against it.
func (s *Scheduler) Reschedule(ctx context.Context, key model.OccurrenceKey, newDate civil.Date, newStart calendar.Clock) (model.OverrideRecord, error) {
	rule, current, err := s.occurrence(ctx, key)
	if err != nil {
		return model.OverrideRecord{}, err
	}
	if current != nil {
		switch current.Status {
		case model.StatusScheduled, model.StatusRescheduled:
		case model.StatusCompleted, model.StatusMissed, model.StatusCancelled:
			return model.OverrideRecord{}, fmt.Errorf("%w: %s is %s", errs.ErrInvalidStatus, key, current.Status)
		default:
			return model.OverrideRecord{}, fmt.Errorf("%w: %q", errs.ErrInvalidStatus, current.Status)
		}
	}

	start, end := span(rule, current)
	duration := int(end - start)
	sc := slotContext{providerID: rule.OwnerID, duration: duration}
	if sc.zone, err = s.zoneOf(ctx, rule.OwnerID); err != nil {
		return model.OverrideRecord{}, err
	}

	tomorrow, err := slots.Tomorrow(s.now(), sc.zone)
	if err != nil {
		return model.OverrideRecord{}, err
	}
	if newDate.Before(tomorrow) {
		return model.OverrideRecord{}, fmt.Errorf("%w: %s is before %s", errs.ErrSlotUnavailable, newDate, tomorrow)
	}

	if sc.busy, err = s.store.ListBusyWindows(ctx, rule.OwnerID); err != nil {
		return model.OverrideRecord{}, err
	}
	booked, _, err := s.ProviderBookings(ctx, rule.OwnerID, newDate, newDate)
	if err != nil {
		return model.OverrideRecord{}, err
	}
	free, err := slots.FindSlots(slots.Query{
		Date: newDate,
		Rules: slots.Rules{
			DurationMinutes: duration,
			OwnerID:         rule.OwnerID,
			OwnerZone:       sc.zone,
			Busy:            sc.busy,
			Booked:          booked,
			Exclude:         key,
		},
	})
	if err != nil {
		return model.OverrideRecord{}, err
	}
	var chosen *slots.Slot
	for i := range free {
		if free[i].Start == newStart {
			chosen = &free[i]
			break
		}
	}
	if chosen == nil {
		return model.OverrideRecord{}, fmt.Errorf("%w: %s %s", errs.ErrSlotUnavailable, newDate, newStart)
	}
	if chosen.End == calendar.EndOfDay {
		// An override end must be a wall-clock time on the same date.
		return model.OverrideRecord{}, fmt.Errorf("%w: %s %s runs to midnight", errs.ErrSlotUnavailable, newDate, newStart)
	}

	actualStart, actualEnd := chosen.Start, chosen.End
	ov := model.OverrideRecord{
		RuleID:       key.RuleID,
		OriginalDate: key.OriginalDate,
		ActualDate:   newDate,
		ActualStart:  &actualStart,
		ActualEnd:    &actualEnd,
		Status:       model.StatusRescheduled,
	}
	if err := s.store.UpsertOverride(ctx, ov); err != nil {
		return model.OverrideRecord{}, err
	}
	appLog.Info("lesson rescheduled",
		"key", key.String(),
		"date", newDate.String(),
		"start", actualStart.String(),
		"owner_zone", sc.zone,
	)
	return ov, nil
}

// SetStatus marks one occurrence completed, missed or cancelled, or restores
// it to scheduled at its original slot. A lesson that was moved keeps its
// new date when it is marked completed or missed; cancelling drops the move.
func (s *Scheduler) SetStatus(ctx context.Context, key model.OccurrenceKey, status model.Status) (model.OverrideRecord, error) {
	if !status.Valid() {
		return model.OverrideRecord{}, fmt.Errorf("%w: %q", errs.ErrInvalidStatus, status)
	}
	_, current, err := s.occurrence(ctx, key)
	if err != nil {
		return model.OverrideRecord{}, err
	}

	ov := model.OverrideRecord{
		RuleID:       key.RuleID,
		OriginalDate: key.OriginalDate,
		ActualDate:   key.OriginalDate,
		Status:       status,
	}
	switch status {
	case model.StatusScheduled, model.StatusCancelled:
	case model.StatusCompleted, model.StatusMissed:
		if current != nil && (current.Status == model.StatusRescheduled || current.RescheduledFrom != nil) {
			ov.ActualDate = current.ActualDate
			ov.ActualStart = current.ActualStart
			ov.ActualEnd = current.ActualEnd
			from := key.OriginalDate
			ov.RescheduledFrom = &from
		}
	case model.StatusRescheduled:
		return model.OverrideRecord{}, fmt.Errorf("%w: use Reschedule to move a lesson", errs.ErrInvalidStatus)
	}

	if err := s.store.UpsertOverride(ctx, ov); err != nil {
		return model.OverrideRecord{}, err
	}
	appLog.Info("lesson status changed", "key", key.String(), "status", string(status))
	return ov, nil
}

// AddRule creates a weekly lesson for a pairing on the provider's clock. It
// must not overlap the provider's other active rules on that weekday.
func (s *Scheduler) AddRule(ctx context.Context, pairingID string, weekday time.Weekday, start, end calendar.Clock) (model.RecurringRule, error) {
	pairing, err := s.store.GetPairing(ctx, pairingID)
	if err != nil {
		return model.RecurringRule{}, err
	}
	if !pairing.Active {
		return model.RecurringRule{}, fmt.Errorf("pairing %s is inactive: %w", pairingID, errs.ErrNotFound)
	}
	rule := model.RecurringRule{
		PairingID: pairing.ID,
		OwnerID:   pairing.ProviderID,
		Weekday:   weekday,
		Start:     start,
		End:       end,
		Active:    true,
	}
	if err := rule.Validate(); err != nil {
		return model.RecurringRule{}, err
	}

	theirs, err := s.store.ListPairings(ctx, pairing.ProviderID)
	if err != nil {
		return model.RecurringRule{}, err
	}
	ids := make([]string, 0, len(theirs))
	for _, p := range theirs {
		if p.ProviderID == pairing.ProviderID {
			ids = append(ids, p.ID)
		}
	}
	existing, err := s.store.ListActiveRules(ctx, ids)
	if err != nil {
		return model.RecurringRule{}, err
	}
	for _, r := range existing {
		if r.Weekday == weekday && start < r.End && end > r.Start {
			return model.RecurringRule{}, fmt.Errorf("%w: overlaps rule %s (%s %s-%s)",
				errs.ErrSlotUnavailable, r.ID, r.Weekday, r.Start, r.End)
		}
	}

	created, err := s.store.CreateRule(ctx, rule)
	if err != nil {
		return model.RecurringRule{}, err
	}
	appLog.Info("rule added", "rule_id", created.ID, "pairing_id", pairingID, "weekday", weekday.String(), "start", start.String())
	return created, nil
}

// RemoveRule deactivates a rule; past overrides are kept.
func (s *Scheduler) RemoveRule(ctx context.Context, ruleID string) error {
	if err := s.store.DeactivateRule(ctx, ruleID); err != nil {
		return err
	}
	appLog.Info("rule removed", "rule_id", ruleID)
	return nil
}

// Availability returns an owner's busy windows.
func (s *Scheduler) Availability(ctx context.Context, ownerID string) ([]model.BusyWindow, error) {
	return s.store.ListBusyWindows(ctx, ownerID)
}

// SaveAvailability replaces an owner's busy windows.
func (s *Scheduler) SaveAvailability(ctx context.Context, ownerID string, windows []model.BusyWindow) error {
	for i := range windows {
		windows[i].OwnerID = ownerID
		if err := windows[i].Validate(); err != nil {
			return err
		}
	}
	if err := s.store.ReplaceBusyWindows(ctx, ownerID, windows); err != nil {
		return err
	}
	appLog.Info("availability saved", "owner_id", ownerID, "windows", len(windows))
	return nil
}

// ImportAvailability replaces an owner's busy windows with the weekly events
// of an iCalendar payload.
func (s *Scheduler) ImportAvailability(ctx context.Context, ownerID string, body []byte) ([]model.BusyWindow, error) {
	zone, err := s.zoneOf(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	windows, err := ics.ImportBusyWindows(body, ownerID, zone)
	if err != nil {
		return nil, err
	}
	if err := s.SaveAvailability(ctx, ownerID, windows); err != nil {
		return nil, err
	}
	return windows, nil
}

// ImportAvailabilityURL fetches a remote calendar and imports it.
func (s *Scheduler) ImportAvailabilityURL(ctx context.Context, ownerID, url string) ([]model.BusyWindow, error) {
	if s.fetcher == nil {
		return nil, errors.New("calendar import from URL is not configured")
	}
	res, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch calendar: %w", err)
	}
	return s.ImportAvailability(ctx, ownerID, res.Body)
}

// FeedViewer resolves a published feed name, "<pairing>-<profile>" without
// the extension, to the pairing and the profile viewing it. IDs may contain
// hyphens themselves, so every split point is tried.
func (s *Scheduler) FeedViewer(ctx context.Context, name string) (model.Pairing, model.Profile, error) {
	for i := 1; i < len(name)-1; i++ {
		if name[i] != '-' {
			continue
		}
		pairingID, profileID := name[:i], name[i+1:]
		pairing, err := s.store.GetPairing(ctx, pairingID)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.Pairing{}, model.Profile{}, err
		}
		if pairing.ProviderID != profileID && pairing.ClientID != profileID {
			continue
		}
		viewer, err := s.Profile(ctx, profileID)
		if err != nil {
			return model.Pairing{}, model.Profile{}, err
		}
		return pairing, viewer, nil
	}
	return model.Pairing{}, model.Profile{}, fmt.Errorf("%w: feed %q", errs.ErrNotFound, name)
}

// Today is the current date on zone's wall clock.
func (s *Scheduler) Today(zone string) (civil.Date, error) {
	loc, err := tz.LoadZone(zone)
	if err != nil {
		return civil.Date{}, err
	}
	return calendar.DateOf(s.now().In(loc)), nil
}

// Feed renders one pairing's lessons over [from, to] as iCalendar for a
// viewer zone. An empty viewerZone means the provider's zone.
func (s *Scheduler) Feed(ctx context.Context, pairingID string, from, to civil.Date, viewerZone string) ([]byte, error) {
	pairing, err := s.store.GetPairing(ctx, pairingID)
	if err != nil {
		return nil, err
	}
	provider, err := s.Profile(ctx, pairing.ProviderID)
	if err != nil {
		return nil, err
	}
	if viewerZone == "" {
		viewerZone = provider.Timezone
	}
	if _, err := tz.LoadZone(viewerZone); err != nil {
		return nil, err
	}
	occ, err := s.Lessons(ctx, []string{pairingID}, from, to, viewerZone)
	if err != nil {
		return nil, err
	}

	name := "Lessons"
	if client, err := s.Profile(ctx, pairing.ClientID); err == nil && provider.Name != "" && client.Name != "" {
		name = fmt.Sprintf("Lessons: %s & %s", provider.Name, client.Name)
	}
	return ics.Export(occ, ics.ExportOptions{
		Name:   name,
		Zone:   viewerZone,
		Stamp:  s.now(),
		Titles: map[string]string{pairingID: name},
	})
}
