package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kiotbook/internal/booking"
	appLog "kiotbook/internal/log"
)

// DisabledSchedule turns periodic sync off.
const DisabledSchedule = "-"

// syncRunner is the part of Service the scheduler drives.
type syncRunner interface {
	SyncNow(ctx context.Context) (Summary, error)
}

// Scheduler runs SyncNow on a cron schedule.
type Scheduler struct {
	mu       sync.Mutex
	runner   syncRunner
	schedule string
	loc      *time.Location
	timeout  time.Duration
	cron     *cron.Cron
	cancel   context.CancelFunc
}

// NewScheduler validates schedule (standard 5-field cron, or DisabledSchedule).
// timeout bounds a single run; 0 means no extra bound.
func NewScheduler(runner syncRunner, schedule string, loc *time.Location, timeout time.Duration) (*Scheduler, error) {
	if schedule != DisabledSchedule {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("parse sync schedule %q: %w", schedule, err)
		}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{runner: runner, schedule: schedule, loc: loc, timeout: timeout}, nil
}

// Start begins scheduling. Runs never overlap: a tick that arrives while
// the previous run is still going is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == DisabledSchedule {
		appLog.Info("sync scheduler disabled")
		return nil
	}
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule sync: %w", err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	appLog.Info("sync scheduler started", "cron", s.schedule, "location", s.loc.String())
	return nil
}

// Stop stops scheduling and waits for a running sync to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	appLog.Info("sync scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sum, err := s.runner.SyncNow(ctx)
	if err != nil {
		if errors.Is(err, booking.ErrSyncFailed) {
			appLog.Warn("scheduled sync: every feed failed", "rooms_failed", sum.RoomsFailed)
			return
		}
		appLog.Error("scheduled sync failed", err)
		return
	}
	appLog.Info("scheduled sync done",
		"outcome", sum.Outcome,
		"imported", sum.Imported,
		"removed", sum.Removed,
		"rooms_failed", sum.RoomsFailed,
	)
}

// cronLogger routes cron's internal logging to the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
