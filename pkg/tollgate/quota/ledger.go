// Package quota keeps the per-period usage ledger for customer keys and
// enforces plan file quotas.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/auth"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/metrics"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
	"github.com/mikepea/tollgate/pkg/tollgate/schema"
)

// secretParams are parameter names never written to the audit log.
var secretParams = map[string]bool{
	"api_key":      true,
	"key":          true,
	"license_key":  true,
	"token":        true,
	"bridge_token": true,
}

// Decision is the answer to a quota check. Remaining is nil when the plan
// has no limit.
type Decision struct {
	Allowed   bool `json:"allowed"`
	Remaining *int `json:"remaining"`
	Limit     *int `json:"limit"`
}

// Event describes one completed request. Period defaults to the bucket
// for At.
type Event struct {
	Tier         auth.Tier
	Key          *models.APIKey
	Plan         *models.Plan
	Period       string
	Endpoint     string
	Action       string
	HTTPStatus   int
	Success      bool
	ClientIP     string
	UserAgent    string
	BytesIn      int64
	BytesOut     int64
	Files        int
	ErrorCode    string
	ErrorMessage string
	Params       map[string]interface{}
	At           time.Time
}

// Ledger reads and writes usage periods.
type Ledger struct {
	db      *gorm.DB
	guard   *schema.Guard
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLedger creates a Ledger. guard writes the audit rows.
func NewLedger(db *gorm.DB, guard *schema.Guard, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, guard: guard, logger: logger.Named("quota"), metrics: m, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// GetOrCreate returns the usage row for (keyID, period), inserting a zeroed
// row on first use. When a concurrent request wins the insert race the
// unique index rejects ours and the winner's row is read back.
func (l *Ledger) GetOrCreate(ctx context.Context, keyID, period string) (*models.UsagePeriod, error) {
	db := l.db.WithContext(ctx)

	var rec models.UsagePeriod
	err := db.Where("api_key_id = ? AND period = ?", keyID, period).Take(&rec).Error
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("read usage period: %w", err)
	}

	rec = models.UsagePeriod{APIKeyID: keyID, Period: period}
	err = db.Create(&rec).Error
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("create usage period: %w", err)
	}

	rec = models.UsagePeriod{}
	if err := db.Where("api_key_id = ? AND period = ?", keyID, period).Take(&rec).Error; err != nil {
		return nil, fmt.Errorf("re-read usage period: %w", err)
	}
	return &rec, nil
}

// Current returns the usage row for (keyID, period) without creating it. A
// missing row is reported as zero usage.
func (l *Ledger) Current(ctx context.Context, keyID, period string) (*models.UsagePeriod, error) {
	var rec models.UsagePeriod
	err := l.db.WithContext(ctx).Where("api_key_id = ? AND period = ?", keyID, period).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.UsagePeriod{APIKeyID: keyID, Period: period}, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CheckQuota decides whether requested more files fit in limit. Quota is a
// file budget. Remaining never goes below zero even when concurrent
// requests overshot the limit.
func CheckQuota(rec *models.UsagePeriod, limit *int, requested int) Decision {
	if limit == nil {
		return Decision{Allowed: true}
	}
	var used int64
	if rec != nil {
		used = rec.TotalFiles
	}
	remaining := int64(*limit) - used
	if remaining < 0 {
		remaining = 0
	}
	r := int(remaining)
	return Decision{Allowed: remaining >= int64(requested), Remaining: &r, Limit: limit}
}

// RecordAndLog adds ev to the key's usage row and appends an audit entry.
// It does nothing for non-customer tiers or when the key is no longer
// active.
func (l *Ledger) RecordAndLog(ctx context.Context, ev Event) error {
	if ev.Tier != auth.TierCustomer || ev.Key == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	ev.At = ev.At.UTC()
	if ev.ErrorCode != "" && ev.ErrorMessage == "" {
		ev.ErrorMessage = errs.Humanize(ev.ErrorCode)
	}
	db := l.db.WithContext(ctx)

	var status []string
	if err := db.Model(&models.APIKey{}).Where("id = ?", ev.Key.ID).Pluck("status", &status).Error; err != nil {
		return fmt.Errorf("read key status: %w", err)
	}
	if len(status) == 0 || models.NormalizeStatus(status[0]) != models.KeyStatusActive {
		l.logger.Debug("skipping usage for inactive key", zap.String("key_id", ev.Key.ID))
		return nil
	}

	if ev.Period == "" {
		ev.Period = Period(ev.Key, ev.Plan, ev.At)
	}
	rec, err := l.GetOrCreate(ctx, ev.Key.ID, ev.Period)
	if err != nil {
		return err
	}

	res := db.Model(&models.UsagePeriod{}).
		Where("id = ?", rec.ID).
		Where("EXISTS (SELECT 1 FROM api_keys WHERE api_keys.id = ? AND LOWER(api_keys.status) IN ?)", ev.Key.ID, models.ActiveStatuses).
		Updates(increments(ev))
	if res.Error != nil {
		return fmt.Errorf("increment usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Disabled between the status read and the increment.
		return nil
	}

	entry := &models.RequestLog{
		CreatedAt:      ev.At,
		APIKeyID:       ev.Key.ID,
		Endpoint:       ev.Endpoint,
		Action:         ev.Action,
		Status:         models.RequestStatusSuccess,
		HTTPStatus:     ev.HTTPStatus,
		ClientIP:       ev.ClientIP,
		UserAgent:      truncate(ev.UserAgent, 500),
		BytesIn:        ev.BytesIn,
		BytesOut:       ev.BytesOut,
		FilesProcessed: ev.Files,
		ErrorCode:      ev.ErrorCode,
		ErrorMessage:   truncate(ev.ErrorMessage, 500),
	}
	if !ev.Success {
		entry.Status = models.RequestStatusError
	}
	if len(ev.Params) > 0 {
		raw, err := json.Marshal(Sanitize(ev.Params))
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		entry.Params = datatypes.JSON(raw)
	}
	if err := l.guard.InsertLog(ctx, entry); err != nil {
		return err
	}
	return nil
}

func increments(ev Event) map[string]interface{} {
	files := ev.Files
	if files < 0 {
		files = 0
	}
	updates := map[string]interface{}{
		"total_calls":      gorm.Expr("total_calls + ?", 1),
		"total_files":      gorm.Expr("total_files + ?", files),
		"bytes_in":         gorm.Expr("bytes_in + ?", ev.BytesIn),
		"bytes_out":        gorm.Expr("bytes_out + ?", ev.BytesOut),
		"last_activity_at": ev.At,
		"updated_at":       ev.At,
	}
	switch ev.Endpoint {
	case models.EndpointRender, models.EndpointImage, models.EndpointPDF:
		calls := ev.Endpoint + "_calls"
		filesCol := ev.Endpoint + "_files"
		updates[calls] = gorm.Expr(calls+" + ?", 1)
		updates[filesCol] = gorm.Expr(filesCol+" + ?", files)
	}
	if !ev.Success {
		updates["error_count"] = gorm.Expr("error_count + ?", 1)
		updates["last_error_code"] = truncate(ev.ErrorCode, 64)
		updates["last_error_message"] = truncate(ev.ErrorMessage, 500)
	}
	return updates
}

// Sanitize returns a copy of params without secret-like fields, at any
// depth.
func Sanitize(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if secretParams[strings.ToLower(k)] {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			v = Sanitize(nested)
		}
		out[k] = v
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
