package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lessoncal/internal/calendar"
	"lessoncal/internal/errs"
	"lessoncal/internal/model"
)

// newTestStore opens a private in-memory sqlite database.
func newTestStore(t *testing.T) (Store, *gorm.DB) {
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	// Every connection to ":memory:" is a fresh database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, gdb.AutoMigrate(Models()...))
	return NewGormStore(gdb), gdb
}

func seedPairing(t *testing.T, s Store) (model.Profile, model.Profile, model.Pairing) {
	ctx := context.Background()
	provider, err := s.UpsertProfile(ctx, model.Profile{Name: "Ana", Role: model.RoleProvider, Timezone: "America/Chicago"})
	require.NoError(t, err)
	client, err := s.UpsertProfile(ctx, model.Profile{Name: "Ken", Role: model.RoleClient, Timezone: "Asia/Tokyo"})
	require.NoError(t, err)
	p, err := s.CreatePairing(ctx, model.Pairing{ProviderID: provider.ID, ClientID: client.ID, Active: true})
	require.NoError(t, err)
	return provider, client, p
}

func TestGormStore_Profiles(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.UpsertProfile(ctx, model.Profile{Name: "Ana", Role: model.RoleProvider, Timezone: "UTC"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	p.Timezone = "Europe/Berlin"
	_, err = s.UpsertProfile(ctx, p)
	require.NoError(t, err)

	got, err := s.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = s.GetProfile(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGormStore_Pairings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	provider, client, p := seedPairing(t, s)

	_, err := s.CreatePairing(ctx, model.Pairing{ProviderID: provider.ID, ClientID: "someone-else", Active: false})
	require.NoError(t, err)

	got, err := s.GetPairing(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.ID, got.ProviderID)
	assert.True(t, got.Active)

	forProvider, err := s.ListPairings(ctx, provider.ID)
	require.NoError(t, err)
	require.Len(t, forProvider, 1, "inactive pairings are not listed")
	forClient, err := s.ListPairings(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, forClient, 1)
	assert.Equal(t, p.ID, forClient[0].ID)

	all, err := s.ListActivePairings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetPairing(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGormStore_RulesSoftDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	provider, _, p := seedPairing(t, s)

	r, err := s.CreateRule(ctx, model.RecurringRule{
		PairingID: p.ID, OwnerID: provider.ID, Weekday: time.Monday,
		Start: calendar.MustClock(9, 0), End: calendar.MustClock(10, 0), Active: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	_, err = s.CreateRule(ctx, model.RecurringRule{PairingID: p.ID, Weekday: time.Monday, Start: calendar.MustClock(10, 0), End: calendar.MustClock(9, 0)})
	assert.ErrorIs(t, err, errs.ErrInvalidRule)

	rules, err := s.ListActiveRules(ctx, []string{p.ID})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, r, rules[0])

	require.NoError(t, s.DeactivateRule(ctx, r.ID))
	rules, err = s.ListActiveRules(ctx, []string{p.ID})
	require.NoError(t, err)
	assert.Empty(t, rules)

	kept, err := s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, kept.Active, "deactivated rules stay readable")

	assert.ErrorIs(t, s.DeactivateRule(ctx, "missing"), errs.ErrNotFound)

	none, err := s.ListActiveRules(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGormStore_UpsertOverrideUpdatesInPlace(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()

	orig := calendar.MustDate("2025-03-10")
	start, end := calendar.MustClock(15, 0), calendar.MustClock(16, 0)
	moved := model.OverrideRecord{
		RuleID: "rule-1", OriginalDate: orig, ActualDate: calendar.MustDate("2025-03-12"),
		ActualStart: &start, ActualEnd: &end, Status: model.StatusRescheduled,
	}
	require.NoError(t, s.UpsertOverride(ctx, moved))

	from := orig
	done := moved
	done.Status = model.StatusCompleted
	done.RescheduledFrom = &from
	require.NoError(t, s.UpsertOverride(ctx, done))

	var n int64
	require.NoError(t, gdb.Model(&OverrideRow{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	got, err := s.ListOverrides(ctx, []string{"rule-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, done, got[0])

	cancelled := model.OverrideRecord{RuleID: "rule-1", OriginalDate: calendar.MustDate("2025-03-17"), Status: model.StatusCancelled}
	require.NoError(t, s.UpsertOverride(ctx, cancelled))
	got, err = s.ListOverrides(ctx, []string{"rule-1", "rule-2"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.ErrorIs(t, s.UpsertOverride(ctx, model.OverrideRecord{RuleID: "rule-1", OriginalDate: orig, Status: "done"}), errs.ErrInvalidStatus)
}

func TestGormStore_ReplaceBusyWindows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := []model.BusyWindow{
		{Weekday: time.Monday, Start: calendar.MustClock(9, 0), End: calendar.MustClock(12, 0)},
		{Weekday: time.Sunday, Start: calendar.MustClock(22, 0), End: calendar.EndOfDay},
	}
	require.NoError(t, s.ReplaceBusyWindows(ctx, "owner-1", first))
	require.NoError(t, s.ReplaceBusyWindows(ctx, "owner-2", first[:1]))

	got, err := s.ListBusyWindows(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, time.Sunday, got[0].Weekday)
	assert.Equal(t, calendar.EndOfDay, got[0].End)
	assert.Equal(t, "owner-1", got[1].OwnerID)

	second := []model.BusyWindow{{Weekday: time.Friday, Start: calendar.MustClock(8, 0), End: calendar.MustClock(9, 0)}}
	require.NoError(t, s.ReplaceBusyWindows(ctx, "owner-1", second))
	got, err = s.ListBusyWindows(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Friday, got[0].Weekday)

	other, err := s.ListBusyWindows(ctx, "owner-2")
	require.NoError(t, err)
	assert.Len(t, other, 1, "other owners are untouched")

	bad := []model.BusyWindow{{Weekday: time.Friday, Start: calendar.MustClock(9, 0), End: calendar.MustClock(8, 0)}}
	assert.ErrorIs(t, s.ReplaceBusyWindows(ctx, "owner-1", bad), errs.ErrInvalidRule)
	got, err = s.ListBusyWindows(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, got, 1, "a rejected replacement leaves the old set")

	require.NoError(t, s.ReplaceBusyWindows(ctx, "owner-1", nil))
	got, err = s.ListBusyWindows(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGormStore_ReplaceBusyWindowsRollsBack(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "busy_windows"`)).
		WithArgs("owner-1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	s := NewGormStore(gdb)
	err = s.ReplaceBusyWindows(context.Background(), "owner-1", []model.BusyWindow{
		{Weekday: time.Monday, Start: calendar.MustClock(9, 0), End: calendar.MustClock(10, 0)},
	})
	assert.ErrorContains(t, err, "failed to clear busy windows")
	assert.NoError(t, mock.ExpectationsWereMet())
}
