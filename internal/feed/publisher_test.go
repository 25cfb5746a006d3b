package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessoncal/internal/errs"
	"lessoncal/internal/model"
)

type feedCall struct {
	pairing  string
	from, to civil.Date
	zone     string
}

type fakeSource struct {
	mu       sync.Mutex
	pairings []model.Pairing
	profiles map[string]model.Profile
	calls    []feedCall
}

func (f *fakeSource) ActivePairings(context.Context) ([]model.Pairing, error) {
	return f.pairings, nil
}

func (f *fakeSource) Profile(_ context.Context, id string) (model.Profile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return model.Profile{}, fmt.Errorf("profile %s: %w", id, errs.ErrNotFound)
	}
	return p, nil
}

func (f *fakeSource) Feed(_ context.Context, pairingID string, from, to civil.Date, zone string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, feedCall{pairingID, from, to, zone})
	f.mu.Unlock()
	return []byte(fmt.Sprintf("BEGIN:VCALENDAR\r\nX-WR-TIMEZONE:%s\r\nEND:VCALENDAR\r\n", zone)), nil
}

func newSource() *fakeSource {
	return &fakeSource{
		pairings: []model.Pairing{{ID: "p1", ProviderID: "ana", ClientID: "ken", Active: true}},
		profiles: map[string]model.Profile{
			"ana": {ID: "ana", Timezone: "America/Chicago"},
			"ken": {ID: "ken", Timezone: "Asia/Tokyo"},
		},
	}
}

func TestPublishAllWritesOneFilePerViewer(t *testing.T) {
	src := newSource()
	dir := t.TempDir()
	p := NewPublisher(src, dir, 28, 7)
	// 20:00 on 2025-03-10 in Chicago is already 2025-03-11 in Tokyo.
	p.now = func() time.Time { return time.Date(2025, 3, 11, 1, 0, 0, 0, time.UTC) }

	require.NoError(t, p.PublishAll(context.Background()))

	body, err := os.ReadFile(filepath.Join(dir, FileName("p1", "ana")))
	require.NoError(t, err)
	assert.Contains(t, string(body), "America/Chicago")
	body, err = os.ReadFile(filepath.Join(dir, FileName("p1", "ken")))
	require.NoError(t, err)
	assert.Contains(t, string(body), "Asia/Tokyo")

	require.Len(t, src.calls, 2)
	assert.Equal(t, feedCall{"p1", civil.Date{Year: 2025, Month: 3, Day: 3}, civil.Date{Year: 2025, Month: 4, Day: 7}, "America/Chicago"}, src.calls[0])
	assert.Equal(t, feedCall{"p1", civil.Date{Year: 2025, Month: 3, Day: 4}, civil.Date{Year: 2025, Month: 4, Day: 8}, "Asia/Tokyo"}, src.calls[1])

	leftovers, err := filepath.Glob(filepath.Join(dir, ".feed-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPublishAllKeepsGoingAfterFailure(t *testing.T) {
	src := newSource()
	src.pairings = append([]model.Pairing{{ID: "p0", ProviderID: "ghost", ClientID: "ken", Active: true}}, src.pairings...)
	dir := t.TempDir()

	err := NewPublisher(src, dir, 28, 7).PublishAll(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotFound)

	for _, name := range []string{FileName("p0", "ken"), FileName("p1", "ana"), FileName("p1", "ken")} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.NoFileExists(t, filepath.Join(dir, FileName("p0", "ghost")))
}

func TestPublishAllNeedsDir(t *testing.T) {
	assert.Error(t, NewPublisher(newSource(), "", 28, 7).PublishAll(context.Background()))
}

func TestStartPublishesImmediately(t *testing.T) {
	src := newSource()
	dir := t.TempDir()
	p := NewPublisher(src, dir, 28, 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Error(t, p.Start(ctx, "every tuesday", time.UTC))

	require.NoError(t, p.Start(ctx, "0 3 * * *", time.UTC))
	assert.Error(t, p.Start(ctx, "0 3 * * *", time.UTC), "second start")

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, FileName("p1", "ken")))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
}

type slowSource struct {
	*fakeSource
	runs    atomic.Int32
	release chan struct{}
}

func (s *slowSource) ActivePairings(ctx context.Context) ([]model.Pairing, error) {
	s.runs.Add(1)
	return s.fakeSource.ActivePairings(ctx)
}

func (s *slowSource) Feed(ctx context.Context, pairingID string, from, to civil.Date, zone string) ([]byte, error) {
	<-s.release
	return s.fakeSource.Feed(ctx, pairingID, from, to, zone)
}

func TestStartupRunDoesNotOverlapTicks(t *testing.T) {
	src := &slowSource{fakeSource: newSource(), release: make(chan struct{})}
	dir := t.TempDir()
	p := NewPublisher(src, dir, 28, 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx, "@every 1s", time.UTC))

	// The startup run is stuck in Feed while two ticks come due.
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, int32(1), src.runs.Load())

	close(src.release)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, FileName("p1", "ken")))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	p.Stop()
}
