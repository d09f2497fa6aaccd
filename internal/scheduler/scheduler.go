// Package scheduler runs the periodic resync: on every tick of a cron
// schedule it backfills the update store from the message source.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-updates-feed/internal/domain"
	"github.com/tbourn/go-updates-feed/internal/services"
)

// Syncer runs one backfill pass. *services.SyncService implements it.
type Syncer interface {
	Backfill(ctx context.Context, trigger string) (*domain.SyncRun, error)
}

// Scheduler triggers Syncer.Backfill on a cron schedule. A nil *Scheduler
// is a disabled scheduler; Start and Stop are no-ops on it.
type Scheduler struct {
	cron   *rcron.Cron
	syncer Syncer
	ctx    context.Context
	cancel context.CancelFunc
}

// New parses schedule (standard five-field spec or a descriptor such as
// "@every 15m") and returns a stopped Scheduler. An empty schedule returns
// (nil, nil).
func New(schedule string, s Syncer) (*Scheduler, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, nil
	}
	if s == nil {
		return nil, errors.New("scheduler: nil syncer")
	}
	logger := rcron.PrintfLogger(&log.Logger)
	sch := &Scheduler{
		cron:   rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(logger), rcron.Recover(logger))),
		syncer: s,
	}
	if _, err := sch.cron.AddFunc(schedule, sch.tick); err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", schedule, err)
	}
	return sch, nil
}

// Start begins ticking. Backfills run with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	log.Info().Time("next", s.Next()).Msg("resync scheduler started")
}

// Stop halts the schedule, cancels a running backfill and waits for it up
// to timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		log.Warn().Msg("resync scheduler stop timed out")
	}
}

// Next returns the next scheduled tick, or the zero time when not started.
func (s *Scheduler) Next() time.Time {
	if s == nil {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	run, err := s.syncer.Backfill(ctx, services.TriggerSchedule)
	if err != nil {
		// The next tick retries.
		log.Error().Err(err).Msg("scheduled resync failed")
		return
	}
	log.Debug().Str("run_id", run.ID).Int("created", run.Created).Msg("scheduled resync done")
}
