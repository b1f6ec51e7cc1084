package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mikepea/tollgate/pkg/tollgate/config"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/logging"
)

// delaySchedule fires once at first (or at once if first has passed), then
// every interval after the previous run. cron calls Next from a single
// goroutine.
type delaySchedule struct {
	first    time.Time
	interval time.Duration
	started  bool
}

func (s *delaySchedule) Next(t time.Time) time.Time {
	if !s.started {
		s.started = true
		if s.first.After(t) {
			return s.first
		}
		return t
	}
	return t.Add(s.interval)
}

// Scheduler runs the enabled jobs on their configured timers. A job never
// overlaps with itself inside one process; across processes the job lock
// provides the same guarantee.
type Scheduler struct {
	rec    *Reconciler
	cfg    config.JobsConfig
	cron   *cron.Cron
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(rec *Reconciler, cfg config.JobsConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := logging.CronLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		rec: rec,
		cfg: cfg,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules every enabled job and starts the timers.
func (s *Scheduler) Start() {
	now := time.Now()
	add := func(job config.JobConfig, names ...string) {
		if !job.Enabled {
			return
		}
		sched := &delaySchedule{first: now.Add(job.InitialDelay), interval: job.Interval}
		s.cron.Schedule(sched, cron.FuncJob(func() {
			for _, name := range names {
				s.tick(name)
			}
		}))
		s.logger.Info("job scheduled",
			zap.Strings("jobs", names),
			zap.Duration("initial_delay", job.InitialDelay),
			zap.Duration("interval", job.Interval),
		)
	}

	expiry := []string{JobExpiry}
	if s.cfg.Expiry.PurgeEnabled {
		expiry = append(expiry, JobExpiryPurge)
	}
	add(s.cfg.Expiry.JobConfig, expiry...)
	add(s.cfg.Orphans, JobOrphans)
	add(s.cfg.Retention.JobConfig, JobRetention)

	s.cron.Start()
}

// tick runs one job. Errors end the cycle only; the next tick proceeds.
func (s *Scheduler) tick(name string) {
	if s.ctx.Err() != nil {
		return
	}
	_, err := s.rec.Run(s.ctx, name)
	if err != nil && !errors.Is(err, errs.ErrLockBusy) {
		s.logger.Warn("job cycle failed", zap.String("job", name), zap.Error(err))
	}
}

// Stop clears the timers and asks running jobs to stop after their current
// statement, then waits for them or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
