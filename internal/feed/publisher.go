// Package feed publishes subscribable iCalendar files, one per pairing and
// participant, on a cron schedule.
package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/robfig/cron/v3"

	"lessoncal/internal/calendar"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
	"lessoncal/internal/tz"
)

// Source is the part of the scheduler a publisher reads from.
type Source interface {
	ActivePairings(ctx context.Context) ([]model.Pairing, error)
	Profile(ctx context.Context, id string) (model.Profile, error)
	Feed(ctx context.Context, pairingID string, from, to civil.Date, viewerZone string) ([]byte, error)
}

// Publisher writes <pairing>-<profile>.ics into Dir for both sides of every
// active pairing, each on its owner's wall clock.
type Publisher struct {
	src     Source
	dir     string
	horizon int
	past    int
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewPublisher creates a Publisher. Feeds cover [today-pastDays,
// today+horizonDays] in each viewer's zone.
func NewPublisher(src Source, dir string, horizonDays, pastDays int) *Publisher {
	return &Publisher{
		src:     src,
		dir:     dir,
		horizon: horizonDays,
		past:    pastDays,
		now:     time.Now,
	}
}

// FileName is the feed file for one viewer of a pairing.
func FileName(pairingID, profileID string) string {
	return pairingID + "-" + profileID + ".ics"
}

// PublishAll renders every feed once. A failing pairing does not stop the
// others; all failures are returned together.
func (p *Publisher) PublishAll(ctx context.Context) error {
	if p.dir == "" {
		return errors.New("feed directory is empty")
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}
	pairings, err := p.src.ActivePairings(ctx)
	if err != nil {
		return fmt.Errorf("list pairings: %w", err)
	}

	start := time.Now()
	var errs []error
	written := 0
	for _, pairing := range pairings {
		for _, viewer := range []string{pairing.ProviderID, pairing.ClientID} {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.publish(ctx, pairing.ID, viewer); err != nil {
				appLog.Error("feed publish failed", err, "pairing_id", pairing.ID, "profile_id", viewer)
				errs = append(errs, err)
				continue
			}
			written++
		}
	}
	appLog.Info("feeds published",
		"pairings", len(pairings),
		"written", written,
		"failed", len(errs),
		"elapsed", time.Since(start).String(),
	)
	return errors.Join(errs...)
}

func (p *Publisher) publish(ctx context.Context, pairingID, profileID string) error {
	profile, err := p.src.Profile(ctx, profileID)
	if err != nil {
		return err
	}
	loc, err := tz.LoadZone(profile.Timezone)
	if err != nil {
		return err
	}
	today := calendar.DateOf(p.now().In(loc))
	body, err := p.src.Feed(ctx, pairingID, today.AddDays(-p.past), today.AddDays(p.horizon), profile.Timezone)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(p.dir, FileName(pairingID, profileID)), body)
}

// writeAtomic replaces path so that subscribers never read a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".feed-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Start publishes once, then again on every tick of spec (standard 5-field
// cron syntax or a descriptor like @every, evaluated in loc). Runs never
// overlap. It stops when ctx is done or Stop is called.
func (p *Publisher) Start(ctx context.Context, spec string, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	id, err := c.AddFunc(spec, func() {
		_ = p.PublishAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid feed schedule %q: %w", spec, err)
	}
	// The startup run goes through the same chain so it cannot overlap a tick.
	job := c.Entry(id).WrappedJob

	p.mu.Lock()
	if p.cron != nil {
		p.mu.Unlock()
		return errors.New("publisher already started")
	}
	p.cron = c
	p.mu.Unlock()

	c.Start()
	go func() {
		job.Run()
		<-ctx.Done()
		p.Stop()
	}()
	appLog.Info("feed publisher started", "schedule", spec, "dir", p.dir, "location", loc.String())
	return nil
}

// Stop halts the schedule and waits for a running publish to finish.
func (p *Publisher) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	appLog.Info("feed publisher stopped")
}

// cronLogger routes cron's own messages to the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
