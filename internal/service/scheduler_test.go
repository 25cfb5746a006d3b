package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessoncal/internal/calendar"
	"lessoncal/internal/errs"
	"lessoncal/internal/model"
	"lessoncal/internal/store"
)

// fakeStore is an in-memory store.Store.
type fakeStore struct {
	mu        sync.Mutex
	profiles  map[string]model.Profile
	pairings  map[string]model.Pairing
	rules     map[string]model.RecurringRule
	overrides map[model.OccurrenceKey]model.OverrideRecord
	busy      map[string][]model.BusyWindow
	nextID    int
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:  make(map[string]model.Profile),
		pairings:  make(map[string]model.Pairing),
		rules:     make(map[string]model.RecurringRule),
		overrides: make(map[model.OccurrenceKey]model.OverrideRecord),
		busy:      make(map[string][]model.BusyWindow),
	}
}

func (f *fakeStore) GetProfile(_ context.Context, id string) (model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return model.Profile{}, fmt.Errorf("profile %s: %w", id, errs.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) UpsertProfile(_ context.Context, p model.Profile) (model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p
	return p, nil
}

func (f *fakeStore) CreatePairing(_ context.Context, p model.Pairing) (model.Pairing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairings[p.ID] = p
	return p, nil
}

func (f *fakeStore) GetPairing(_ context.Context, id string) (model.Pairing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pairings[id]
	if !ok {
		return model.Pairing{}, fmt.Errorf("pairing %s: %w", id, errs.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) ListPairings(_ context.Context, profileID string) ([]model.Pairing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Pairing
	for _, p := range f.pairings {
		if p.Active && (p.ProviderID == profileID || p.ClientID == profileID) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListActivePairings(_ context.Context) ([]model.Pairing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Pairing
	for _, p := range f.pairings {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CreateRule(_ context.Context, r model.RecurringRule) (model.RecurringRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.ID == "" {
		f.nextID++
		r.ID = fmt.Sprintf("rule-%d", f.nextID)
	}
	f.rules[r.ID] = r
	return r, nil
}

func (f *fakeStore) GetRule(_ context.Context, id string) (model.RecurringRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return model.RecurringRule{}, fmt.Errorf("rule %s: %w", id, errs.ErrNotFound)
	}
	return r, nil
}

func (f *fakeStore) ListActiveRules(_ context.Context, pairingIDs []string) ([]model.RecurringRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(pairingIDs))
	for _, id := range pairingIDs {
		want[id] = true
	}
	var out []model.RecurringRule
	for _, r := range f.rules {
		if r.Active && want[r.PairingID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) DeactivateRule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, errs.ErrNotFound)
	}
	r.Active = false
	f.rules[id] = r
	return nil
}

func (f *fakeStore) ListOverrides(_ context.Context, ruleIDs []string) ([]model.OverrideRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		want[id] = true
	}
	var out []model.OverrideRecord
	for k, o := range f.overrides {
		if want[k.RuleID] {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertOverride(_ context.Context, o model.OverrideRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[o.Key()] = o
	return nil
}

func (f *fakeStore) ListBusyWindows(_ context.Context, ownerID string) ([]model.BusyWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.BusyWindow(nil), f.busy[ownerID]...), nil
}

func (f *fakeStore) ReplaceBusyWindows(_ context.Context, ownerID string, windows []model.BusyWindow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[ownerID] = append([]model.BusyWindow(nil), windows...)
	return nil
}

var (
	// Wednesday 2025-03-05, 06:00 in Chicago. Tomorrow for the provider is
	// Thursday 2025-03-06.
	fixedNow = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	d        = calendar.MustDate
	hm       = calendar.MustClock
)

// fixture: provider Ana in Chicago teaches Ken (Tokyo) on Mondays 14:00-15:00
// and Lee (no zone set) on Tuesdays 16:00-17:00. Ana is busy Tuesdays 09-12.
func fixture(t *testing.T) (*Scheduler, *fakeStore) {
	t.Helper()
	st := newFakeStore()
	st.profiles["ana"] = model.Profile{ID: "ana", Name: "Ana", Role: model.RoleProvider, Timezone: "America/Chicago"}
	st.profiles["ken"] = model.Profile{ID: "ken", Name: "Ken", Role: model.RoleClient, Timezone: "Asia/Tokyo"}
	st.profiles["lee"] = model.Profile{ID: "lee", Name: "Lee", Role: model.RoleClient}
	st.pairings["p1"] = model.Pairing{ID: "p1", ProviderID: "ana", ClientID: "ken", Active: true}
	st.pairings["p2"] = model.Pairing{ID: "p2", ProviderID: "ana", ClientID: "lee", Active: true}
	st.rules["r1"] = model.RecurringRule{ID: "r1", PairingID: "p1", OwnerID: "ana", Weekday: time.Monday, Start: hm(14, 0), End: hm(15, 0), Active: true}
	st.rules["r2"] = model.RecurringRule{ID: "r2", PairingID: "p2", OwnerID: "ana", Weekday: time.Tuesday, Start: hm(16, 0), End: hm(17, 0), Active: true}
	st.busy["ana"] = []model.BusyWindow{{OwnerID: "ana", Weekday: time.Tuesday, Start: hm(9, 0), End: hm(12, 0)}}

	return New(st, "UTC", WithClock(func() time.Time { return fixedNow })), st
}

func key(rule, date string) model.OccurrenceKey {
	return model.OccurrenceKey{RuleID: rule, OriginalDate: d(date)}
}

func TestLessonsForClientInOwnZone(t *testing.T) {
	s, _ := fixture(t)
	occ, err := s.LessonsFor(context.Background(), "ken", d("2025-03-01"), d("2025-03-31"))
	require.NoError(t, err)

	type row struct{ date, start string }
	var got []row
	for _, o := range occ {
		assert.Equal(t, "p1", o.PairingID)
		assert.Equal(t, time.Tuesday, o.Weekday)
		got = append(got, row{o.Date.String(), o.Start.String()})
	}
	// Monday 14:00 in Chicago is Tuesday morning in Tokyo; the US switches
	// to daylight time on 2025-03-09.
	assert.Equal(t, []row{
		{"2025-03-04", "05:00"},
		{"2025-03-11", "04:00"},
		{"2025-03-18", "04:00"},
		{"2025-03-25", "04:00"},
	}, got)
}

func TestLessonsForUsesDefaultZone(t *testing.T) {
	s, _ := fixture(t)
	occ, err := s.LessonsFor(context.Background(), "lee", d("2025-03-10"), d("2025-03-16"))
	require.NoError(t, err)
	require.Len(t, occ, 1)
	// Tuesday 16:00 CDT is 21:00 UTC.
	assert.Equal(t, "2025-03-11", occ[0].Date.String())
	assert.Equal(t, "21:00", occ[0].Start.String())
}

func TestLessonsErrors(t *testing.T) {
	s, _ := fixture(t)
	ctx := context.Background()

	_, err := s.LessonsFor(ctx, "nobody", d("2025-03-01"), d("2025-03-31"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.Lessons(ctx, []string{"p1"}, d("2025-03-31"), d("2025-03-01"), "UTC")
	assert.ErrorIs(t, err, errs.ErrInvalidRange)

	_, err = s.Lessons(ctx, []string{"p1"}, d("2025-03-01"), d("2025-03-31"), "Mars/Olympus")
	assert.ErrorIs(t, err, errs.ErrUnknownZone)
}

func TestProviderBookingsCoverEveryPairing(t *testing.T) {
	s, _ := fixture(t)
	occ, zone, err := s.ProviderBookings(context.Background(), "ana", d("2025-03-10"), d("2025-03-11"))
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", zone)
	require.Len(t, occ, 2)
	assert.Equal(t, "r1", occ[0].RuleID)
	assert.Equal(t, "14:00", occ[0].Start.String())
	assert.Equal(t, "r2", occ[1].RuleID)
	assert.Equal(t, "16:00", occ[1].Start.String())
}

func TestRescheduleAndMarkCompleted(t *testing.T) {
	s, st := fixture(t)
	ctx := context.Background()
	k := key("r1", "2025-03-10")

	ov, err := s.Reschedule(ctx, k, d("2025-03-11"), hm(13, 0))
	require.NoError(t, err)
	assert.Equal(t, model.StatusRescheduled, ov.Status)
	assert.Equal(t, "13:00", ov.ActualStart.String())
	assert.Equal(t, "14:00", ov.ActualEnd.String())
	assert.Len(t, st.overrides, 1)

	occ, _, err := s.ProviderBookings(ctx, "ana", d("2025-03-10"), d("2025-03-11"))
	require.NoError(t, err)
	require.Len(t, occ, 2)
	assert.Equal(t, "2025-03-11", occ[0].Date.String())
	assert.Equal(t, "13:00", occ[0].Start.String())
	assert.Equal(t, model.StatusRescheduled, occ[0].Status)

	// Moving it again keeps one override per occurrence.
	_, err = s.Reschedule(ctx, k, d("2025-03-11"), hm(12, 30))
	require.NoError(t, err)
	assert.Len(t, st.overrides, 1)

	done, err := s.SetStatus(ctx, k, model.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, d("2025-03-11"), done.ActualDate)
	require.NotNil(t, done.RescheduledFrom)
	assert.Equal(t, d("2025-03-10"), *done.RescheduledFrom)

	occ, _, err = s.ProviderBookings(ctx, "ana", d("2025-03-10"), d("2025-03-11"))
	require.NoError(t, err)
	require.Len(t, occ, 2)
	assert.Equal(t, model.StatusCompleted, occ[0].Status)
	assert.Equal(t, "12:30", occ[0].Start.String())

	_, err = s.Reschedule(ctx, k, d("2025-03-12"), hm(9, 0))
	assert.ErrorIs(t, err, errs.ErrInvalidStatus)
}

func TestRescheduleRejections(t *testing.T) {
	s, _ := fixture(t)
	ctx := context.Background()
	k := key("r1", "2025-03-10")

	tests := []struct {
		name  string
		key   model.OccurrenceKey
		date  string
		start calendar.Clock
		want  error
	}{
		{"busy window", k, "2025-03-11", hm(10, 0), errs.ErrSlotUnavailable},
		{"overlaps another lesson", k, "2025-03-11", hm(16, 30), errs.ErrSlotUnavailable},
		{"ends just into another lesson", k, "2025-03-11", hm(15, 30), errs.ErrSlotUnavailable},
		{"off the grid", k, "2025-03-11", hm(13, 15), errs.ErrSlotUnavailable},
		{"today", k, "2025-03-05", hm(18, 0), errs.ErrSlotUnavailable},
		{"runs to midnight", k, "2025-03-12", hm(23, 0), errs.ErrSlotUnavailable},
		{"clock skipped by DST", k, "2025-03-09", hm(2, 0), errs.ErrSlotUnavailable},
		{"wrong weekday for the rule", key("r1", "2025-03-11"), "2025-03-12", hm(9, 0), errs.ErrNotFound},
		{"unknown rule", key("nope", "2025-03-10"), "2025-03-12", hm(9, 0), errs.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Reschedule(ctx, tt.key, d(tt.date), tt.start)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRescheduleWithinOwnSlot(t *testing.T) {
	s, _ := fixture(t)
	// Shifting by half an hour overlaps the lesson's own current slot,
	// which does not count against it.
	ov, err := s.Reschedule(context.Background(), key("r1", "2025-03-10"), d("2025-03-10"), hm(14, 30))
	require.NoError(t, err)
	assert.Equal(t, "15:30", ov.ActualEnd.String())
}

func TestSetStatus(t *testing.T) {
	s, st := fixture(t)
	ctx := context.Background()
	k := key("r1", "2025-03-17")

	_, err := s.SetStatus(ctx, k, model.StatusCancelled)
	require.NoError(t, err)
	occ, err := s.Lessons(ctx, []string{"p1"}, d("2025-03-17"), d("2025-03-17"), "America/Chicago")
	require.NoError(t, err)
	assert.Empty(t, occ)

	_, err = s.SetStatus(ctx, k, model.StatusScheduled)
	require.NoError(t, err)
	occ, err = s.Lessons(ctx, []string{"p1"}, d("2025-03-17"), d("2025-03-17"), "America/Chicago")
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, model.StatusScheduled, occ[0].Status)

	_, err = s.SetStatus(ctx, k, model.StatusRescheduled)
	assert.ErrorIs(t, err, errs.ErrInvalidStatus)
	_, err = s.SetStatus(ctx, k, model.Status("postponed"))
	assert.ErrorIs(t, err, errs.ErrInvalidStatus)
	assert.Len(t, st.overrides, 1)
}

func TestSlotsForLessonBeingMoved(t *testing.T) {
	s, _ := fixture(t)
	ctx := context.Background()

	got, err := s.Slots(ctx, SlotRequest{Date: d("2025-03-17"), Lesson: key("r1", "2025-03-17"), ViewerZone: "Asia/Tokyo"})
	require.NoError(t, err)
	// Provider and length come from the rule; its own slot is free.
	require.Len(t, got, 47)
	assert.Equal(t, "00:00", got[0].Owner.Start.String())
	assert.Equal(t, "2025-03-17", got[0].Date.String())
	assert.Equal(t, "14:00", got[0].Start.String())

	got, err = s.Slots(ctx, SlotRequest{ProviderID: "ana", Date: d("2025-03-17"), DurationMinutes: 60})
	require.NoError(t, err)
	assert.Len(t, got, 44)
	assert.Equal(t, "00:00", got[0].Start.String(), "viewer defaults to the provider zone")
}

func TestSlotsErrors(t *testing.T) {
	s, _ := fixture(t)
	ctx := context.Background()

	_, err := s.Slots(ctx, SlotRequest{Date: d("2025-03-17"), DurationMinutes: 60})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.Slots(ctx, SlotRequest{ProviderID: "ana", Date: d("2025-03-17")})
	assert.ErrorIs(t, err, errs.ErrInvalidDuration)
}

func TestSlotDays(t *testing.T) {
	s, _ := fixture(t)
	days, err := s.SlotDays(context.Background(), SlotRequest{ProviderID: "ana", DurationMinutes: 60})
	require.NoError(t, err)

	assert.Equal(t, d("2025-03-02"), days.From)
	assert.Equal(t, d("2025-04-05"), days.To)
	assert.Len(t, days.Counts, 35)
	for _, day := range []string{"2025-03-02", "2025-03-03", "2025-03-04", "2025-03-05"} {
		assert.Zero(t, days.Counts[d(day)], day)
	}
	assert.Equal(t, 47, days.Counts[d("2025-03-06")])
	assert.Equal(t, 44, days.Counts[d("2025-03-10")])
	// Busy 09:00-12:00 removes 7 starts, the Tuesday lesson 3 more.
	assert.Equal(t, 37, days.Counts[d("2025-03-11")])
}

func TestAddAndRemoveRule(t *testing.T) {
	s, st := fixture(t)
	ctx := context.Background()

	_, err := s.AddRule(ctx, "p2", time.Monday, hm(14, 30), hm(15, 30))
	assert.ErrorIs(t, err, errs.ErrSlotUnavailable)

	_, err = s.AddRule(ctx, "p2", time.Monday, hm(15, 0), hm(14, 0))
	assert.ErrorIs(t, err, errs.ErrInvalidRule)

	_, err = s.AddRule(ctx, "missing", time.Monday, hm(15, 0), hm(16, 0))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	r, err := s.AddRule(ctx, "p2", time.Monday, hm(15, 0), hm(16, 0))
	require.NoError(t, err)
	assert.Equal(t, "ana", r.OwnerID)
	assert.True(t, r.Active)
	assert.Contains(t, st.rules, r.ID)

	require.NoError(t, s.RemoveRule(ctx, "r1"))
	occ, err := s.Lessons(ctx, []string{"p1"}, d("2025-03-01"), d("2025-03-31"), "UTC")
	require.NoError(t, err)
	assert.Empty(t, occ)

	_, err = s.Reschedule(ctx, key("r1", "2025-03-10"), d("2025-03-11"), hm(13, 0))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	assert.ErrorIs(t, s.RemoveRule(ctx, "missing"), errs.ErrNotFound)
}

func TestSaveAvailabilityValidates(t *testing.T) {
	s, st := fixture(t)
	ctx := context.Background()

	err := s.SaveAvailability(ctx, "ana", []model.BusyWindow{{Weekday: time.Friday, Start: hm(12, 0), End: hm(11, 0)}})
	assert.ErrorIs(t, err, errs.ErrInvalidRule)
	assert.Len(t, st.busy["ana"], 1, "nothing replaced on error")

	require.NoError(t, s.SaveAvailability(ctx, "ana", []model.BusyWindow{{Weekday: time.Friday, Start: hm(22, 0), End: calendar.EndOfDay}}))
	got, err := s.Availability(ctx, "ana")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ana", got[0].OwnerID)
}

const fridayICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:choir@test\r\n" +
	"DTSTAMP:20250101T000000Z\r\n" +
	"DTSTART;TZID=America/Chicago:20250103T180000\r\n" +
	"DTEND;TZID=America/Chicago:20250103T200000\r\n" +
	"RRULE:FREQ=WEEKLY\r\n" +
	"SUMMARY:Choir\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestImportAvailability(t *testing.T) {
	s, st := fixture(t)
	ctx := context.Background()

	got, err := s.ImportAvailability(ctx, "ana", []byte(fridayICS))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Friday, got[0].Weekday)
	assert.Equal(t, "18:00", got[0].Start.String())
	assert.Equal(t, "20:00", got[0].End.String())
	assert.Equal(t, got, st.busy["ana"])

	_, err = s.ImportAvailabilityURL(ctx, "ana", "https://example.com/cal.ics")
	assert.Error(t, err)
}

func TestFeed(t *testing.T) {
	s, _ := fixture(t)
	body, err := s.Feed(context.Background(), "p1", d("2025-03-01"), d("2025-03-31"), "")
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "Ana & Ken")
	assert.Contains(t, text, "X-WR-TIMEZONE:America/Chicago")
	assert.Equal(t, 5, strings.Count(text, "BEGIN:VEVENT"))
	assert.Contains(t, text, "r1-2025-03-03@lessoncal")

	_, err = s.Feed(context.Background(), "p1", d("2025-03-01"), d("2025-03-31"), "Nowhere/Else")
	assert.ErrorIs(t, err, errs.ErrUnknownZone)
}

func TestFeedViewer(t *testing.T) {
	s, st := fixture(t)
	ctx := context.Background()
	st.profiles["mi-na"] = model.Profile{ID: "mi-na", Name: "Mina", Role: model.RoleClient}
	st.pairings["p-3"] = model.Pairing{ID: "p-3", ProviderID: "ana", ClientID: "mi-na", Active: true}

	tests := []struct {
		name        string
		wantPairing string
		wantViewer  string
		wantZone    string
	}{
		{"p1-ana", "p1", "ana", "America/Chicago"},
		{"p1-ken", "p1", "ken", "Asia/Tokyo"},
		{"p2-lee", "p2", "lee", "UTC"},
		{"p-3-mi-na", "p-3", "mi-na", "UTC"},
		{"p-3-ana", "p-3", "ana", "America/Chicago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairing, viewer, err := s.FeedViewer(ctx, tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPairing, pairing.ID)
			assert.Equal(t, tt.wantViewer, viewer.ID)
			assert.Equal(t, tt.wantZone, viewer.Timezone)
		})
	}

	for _, name := range []string{"p1", "p1-lee", "p9-ana", "-ana", "p1-", ""} {
		_, _, err := s.FeedViewer(ctx, name)
		assert.ErrorIs(t, err, errs.ErrNotFound, name)
	}
}

func TestToday(t *testing.T) {
	s, _ := fixture(t)
	// fixedNow is 2025-03-05 12:00 UTC.
	got, err := s.Today("Pacific/Kiritimati")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-06", got.String())

	got, err = s.Today("America/Chicago")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-05", got.String())

	_, err = s.Today("")
	assert.ErrorIs(t, err, errs.ErrUnknownZone)
}
