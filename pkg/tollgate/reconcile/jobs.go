package reconcile

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// expire soft-disables active keys whose validity window has closed.
func (r *Reconciler) expire(ctx context.Context, counts map[string]int64) error {
	batch := batchSize(r.cfg.Expiry.JobConfig)
	now := r.now().UTC()

	n, err := drain(ctx, batch, false, func(ctx context.Context) (int64, error) {
		var ids []string
		err := r.db.WithContext(ctx).Model(&models.APIKey{}).
			Where("LOWER(status) IN ?", models.ActiveStatuses).
			Where("valid_until IS NOT NULL AND valid_until <= ?", now).
			Order("id").
			Limit(batch).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return 0, err
		}

		res := r.db.WithContext(ctx).Model(&models.APIKey{}).
			Where("id IN ?", ids).
			Where("LOWER(status) IN ?", models.ActiveStatuses).
			Updates(map[string]interface{}{
				"status":          models.KeyStatusDisabled,
				"disabled_reason": models.DisabledReasonExpired,
				"disabled_at":     now,
				"legacy_secret":   nil,
				"subscription_status": gorm.Expr(
					"CASE WHEN subscription_status IS NULL OR subscription_status = '' THEN ? ELSE subscription_status END",
					models.SubscriptionStatusExpired,
				),
			})
		return res.RowsAffected, res.Error
	})
	counts["disabled"] = n
	return err
}

// purgeExpired hard-deletes keys that are disabled and marked expired, the
// terminal step after expire.
func (r *Reconciler) purgeExpired(ctx context.Context, counts map[string]int64) error {
	batch := batchSize(r.cfg.Expiry.JobConfig)

	n, err := drain(ctx, batch, false, func(ctx context.Context) (int64, error) {
		var ids []string
		err := r.db.WithContext(ctx).Model(&models.APIKey{}).
			Where("status = ?", models.KeyStatusDisabled).
			Where("(disabled_reason = ? OR subscription_status = ?)", models.DisabledReasonExpired, models.SubscriptionStatusExpired).
			Order("id").
			Limit(batch).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return 0, err
		}

		res := r.db.WithContext(ctx).
			Where("id IN ? AND status = ?", ids, models.KeyStatusDisabled).
			Delete(&models.APIKey{})
		return res.RowsAffected, res.Error
	})
	counts["purged"] = n
	return err
}

// removeOrphans deletes usage and audit rows whose key no longer exists.
func (r *Reconciler) removeOrphans(ctx context.Context, counts map[string]int64) error {
	batch := batchSize(r.cfg.Orphans)

	for _, target := range []struct {
		table string
		model interface{}
	}{
		{"usage_periods", &models.UsagePeriod{}},
		{"request_logs", &models.RequestLog{}},
	} {
		if !r.db.Migrator().HasTable(target.table) {
			continue
		}
		n, err := drain(ctx, batch, false, func(ctx context.Context) (int64, error) {
			var ids []uint
			err := r.db.WithContext(ctx).
				Table(target.table + " AS t").
				Joins("LEFT JOIN api_keys k ON k.id = t.api_key_id").
				Where("k.id IS NULL").
				Order("t.id").
				Limit(batch).
				Pluck("t.id", &ids).Error
			if err != nil || len(ids) == 0 {
				return 0, err
			}
			res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(target.model)
			return res.RowsAffected, res.Error
		})
		counts[target.table] = n
		if err != nil {
			return fmt.Errorf("orphans in %s: %w", target.table, err)
		}
	}
	return nil
}

// applyRetention prunes usage rows idle for longer than UsageMonths and
// audit rows older than LogDays. A zero threshold keeps everything.
func (r *Reconciler) applyRetention(ctx context.Context, counts map[string]int64) error {
	cfg := r.cfg.Retention
	batch := batchSize(cfg.JobConfig)
	now := r.now().UTC()

	prune := func(model interface{}, column string, cutoff time.Time) (int64, error) {
		return drain(ctx, batch, true, func(ctx context.Context) (int64, error) {
			var ids []uint
			err := r.db.WithContext(ctx).Model(model).
				Where(column+" < ?", cutoff).
				Order("id").
				Limit(batch).
				Pluck("id", &ids).Error
			if err != nil || len(ids) == 0 {
				return 0, err
			}
			res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(model)
			return res.RowsAffected, res.Error
		})
	}

	if cfg.UsageMonths > 0 {
		n, err := prune(&models.UsagePeriod{}, "updated_at", now.AddDate(0, -cfg.UsageMonths, 0))
		counts["usage_periods"] = n
		if err != nil {
			return fmt.Errorf("retention of usage_periods: %w", err)
		}
	}
	if cfg.LogDays > 0 {
		n, err := prune(&models.RequestLog{}, "created_at", now.AddDate(0, 0, -cfg.LogDays))
		counts["request_logs"] = n
		if err != nil {
			return fmt.Errorf("retention of request_logs: %w", err)
		}
	}

	if cfg.SummaryFile != "" {
		if err := appendSummary(cfg.SummaryFile, now, counts); err != nil {
			r.logger.Warn("retention summary not written", zap.String("path", cfg.SummaryFile), zap.Error(err))
		}
	}
	return nil
}

// appendSummary writes one line per run to an append-only audit file.
func appendSummary(path string, at time.Time, counts map[string]int64) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%s retention usage_periods=%d request_logs=%d\n",
		at.Format(time.RFC3339), counts["usage_periods"], counts["request_logs"])
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
