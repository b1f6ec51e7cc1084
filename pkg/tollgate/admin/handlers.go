package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
	"github.com/mikepea/tollgate/pkg/tollgate/reconcile"
)

// JobRunner runs reconciler jobs on demand.
type JobRunner interface {
	Jobs() []string
	Run(ctx context.Context, name string) (*reconcile.Report, error)
}

// Handler handles admin requests
type Handler struct {
	db   *gorm.DB
	jobs JobRunner
	now  func() time.Time
}

// NewHandler creates a new admin handler
func NewHandler(db *gorm.DB, jobs JobRunner) *Handler {
	return &Handler{db: db, jobs: jobs, now: time.Now}
}

// StatsResponse represents system statistics
type StatsResponse struct {
	TotalKeys      int64            `json:"total_keys"`
	ActiveKeys     int64            `json:"active_keys"`
	DisabledKeys   int64            `json:"disabled_keys"`
	StaleKeys      int64            `json:"stale_keys"`
	DisabledBy     map[string]int64 `json:"disabled_by_reason"`
	TotalPlans     int64            `json:"total_plans"`
	UsagePeriods   int64            `json:"usage_periods"`
	RequestLogs24h int64            `json:"request_logs_24h"`
	Errors24h      int64            `json:"errors_24h"`
}

// GetStats returns key, plan and traffic counters
func (h *Handler) GetStats(c *gin.Context) {
	db := h.db.WithContext(c.Request.Context())
	now := h.now().UTC()
	since := now.Add(-24 * time.Hour)

	var stats StatsResponse
	db.Model(&models.APIKey{}).Count(&stats.TotalKeys)
	db.Model(&models.APIKey{}).Where("LOWER(status) IN ?", models.ActiveStatuses).Count(&stats.ActiveKeys)
	stats.DisabledKeys = stats.TotalKeys - stats.ActiveKeys
	db.Model(&models.APIKey{}).
		Where("LOWER(status) IN ?", models.ActiveStatuses).
		Where("valid_until IS NOT NULL AND valid_until <= ?", now).
		Count(&stats.StaleKeys)
	db.Model(&models.Plan{}).Count(&stats.TotalPlans)
	db.Model(&models.UsagePeriod{}).Count(&stats.UsagePeriods)
	db.Model(&models.RequestLog{}).Where("created_at >= ?", since).Count(&stats.RequestLogs24h)
	db.Model(&models.RequestLog{}).Where("created_at >= ? AND status = ?", since, models.RequestStatusError).Count(&stats.Errors24h)

	var reasons []struct {
		DisabledReason string
		Count          int64
	}
	if err := db.Model(&models.APIKey{}).
		Select("disabled_reason, COUNT(*) AS count").
		Where("status = ?", models.KeyStatusDisabled).
		Group("disabled_reason").
		Scan(&reasons).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": errs.CodeInternal, "message": "Failed to fetch stats"})
		return
	}
	stats.DisabledBy = make(map[string]int64, len(reasons))
	for _, r := range reasons {
		reason := r.DisabledReason
		if reason == "" {
			reason = "unspecified"
		}
		stats.DisabledBy[reason] = r.Count
	}

	c.JSON(http.StatusOK, stats)
}

// ListJobs returns the names of the reconciler jobs
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.jobs.Jobs()})
}

// RunJob runs one reconciler job now and returns its report
func (h *Handler) RunJob(c *gin.Context) {
	report, err := h.jobs.Run(c.Request.Context(), c.Param("name"))
	switch {
	case errors.Is(err, reconcile.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": errs.CodeInvalidInput, "message": err.Error()})
	case errors.Is(err, errs.ErrLockBusy):
		c.JSON(http.StatusConflict, gin.H{"error": errs.CodeLockBusy, "message": errs.Humanize(errs.CodeLockBusy), "report": report})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": errs.CodeInternal, "message": err.Error(), "report": report})
	default:
		c.JSON(http.StatusOK, report)
	}
}

// RegisterRoutes registers admin routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.GetStats)
	rg.GET("/jobs", h.ListJobs)
	rg.POST("/jobs/:name/run", h.RunJob)
}
