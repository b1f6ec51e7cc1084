// Package reconcile runs the maintenance jobs that repair and prune key,
// usage and audit data: expiry, orphan cleanup and retention.
//
// Every run holds a database-wide named lock, so several server instances
// can share one database. Work is done in bounded batches; cancellation is
// observed between statements, never in the middle of one.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/config"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/metrics"
)

// Job names, also used as lock names and metric labels.
const (
	JobExpiry      = "expiry"
	JobExpiryPurge = "expiry-purge"
	JobOrphans     = "orphans"
	JobRetention   = "retention"
)

// ErrUnknownJob is returned by Run for a name that is not a job.
var ErrUnknownJob = errors.New("unknown job")

// Report summarizes one run. Counts maps an action such as "disabled" or
// "request_logs" to the number of rows it affected.
type Report struct {
	Job      string           `json:"job"`
	Skipped  bool             `json:"skipped"`
	Counts   map[string]int64 `json:"counts"`
	Duration time.Duration    `json:"duration"`
}

// Reconciler executes jobs against one database.
type Reconciler struct {
	db      *gorm.DB
	locker  Locker
	cfg     config.JobsConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Reconciler with the dialect's default Locker.
func New(db *gorm.DB, cfg config.JobsConfig, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:      db,
		locker:  NewLocker(db, time.Hour),
		cfg:     cfg,
		logger:  logger.Named("reconcile"),
		metrics: m,
		now:     time.Now,
	}
}

// WithLocker replaces the lock primitive.
func (r *Reconciler) WithLocker(l Locker) *Reconciler {
	r.locker = l
	return r
}

// WithClock sets the time source used for cutoffs.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Jobs lists every job name.
func (r *Reconciler) Jobs() []string {
	return []string{JobExpiry, JobExpiryPurge, JobOrphans, JobRetention}
}

// Run executes the named job once. A held lock yields a skipped report
// together with errs.ErrLockBusy.
func (r *Reconciler) Run(ctx context.Context, name string) (*Report, error) {
	var body func(ctx context.Context, counts map[string]int64) error
	switch name {
	case JobExpiry:
		body = r.expire
	case JobExpiryPurge:
		body = r.purgeExpired
	case JobOrphans:
		body = r.removeOrphans
	case JobRetention:
		body = r.applyRetention
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return r.run(ctx, name, body)
}

func (r *Reconciler) run(ctx context.Context, name string, body func(ctx context.Context, counts map[string]int64) error) (*Report, error) {
	start := time.Now()
	report := &Report{Job: name, Counts: map[string]int64{}}

	err := r.locker.WithLock(ctx, "tollgate:"+name, func(ctx context.Context) error {
		return body(ctx, report.Counts)
	})
	report.Duration = time.Since(start)

	switch {
	case errors.Is(err, errs.ErrLockBusy):
		report.Skipped = true
		r.logger.Info("skipped, busy", zap.String("job", name))
		r.metrics.ReconcileRun(name, "skipped", nil, report.Duration)
		return report, err
	case err != nil:
		r.logger.Error("reconcile run failed",
			zap.String("job", name),
			zap.Any("counts", report.Counts),
			zap.Duration("duration", report.Duration),
			zap.Error(err),
		)
		r.metrics.ReconcileRun(name, "error", report.Counts, report.Duration)
		return report, err
	}

	r.logger.Info("reconcile run complete",
		zap.String("job", name),
		zap.Any("counts", report.Counts),
		zap.Duration("duration", report.Duration),
	)
	r.metrics.ReconcileRun(name, "ok", report.Counts, report.Duration)
	return report, nil
}

// drain calls step until it affects no rows, or fewer than batch when
// stopShort is set. Each statement runs to completion; ctx is checked before
// starting the next one.
func drain(ctx context.Context, batch int, stopShort bool, step func(ctx context.Context) (int64, error)) (int64, error) {
	stmtCtx := context.WithoutCancel(ctx)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := step(stmtCtx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 || (stopShort && n < int64(batch)) {
			return total, nil
		}
	}
}

func batchSize(cfg config.JobConfig) int {
	if cfg.BatchSize <= 0 {
		return 500
	}
	return cfg.BatchSize
}
