package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mikepea/tollgate/pkg/tollgate/auth"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/metrics"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// DailyLimiter admits up to limit requests per client per UTC day.
type DailyLimiter struct {
	store Store
	limit int64
	now   func() time.Time
}

// NewDailyLimiter creates a limiter. A limit of zero or less admits
// everything.
func NewDailyLimiter(store Store, limit int64, now func() time.Time) *DailyLimiter {
	if now == nil {
		now = time.Now
	}
	return &DailyLimiter{store: store, limit: limit, now: now}
}

// Allow counts one request for client and reports whether it is admitted.
func (l *DailyLimiter) Allow(ctx context.Context, client string) (Result, error) {
	now := l.now().UTC()
	day := now.Truncate(24 * time.Hour)
	reset := day.Add(24 * time.Hour)
	if l.limit <= 0 {
		return Result{Allowed: true, Reset: reset}, nil
	}

	key := "daily:" + day.Format("2006-01-02") + ":" + client
	n, err := l.store.IncrementWithExpiry(ctx, key, 1, reset.Sub(now))
	if err != nil {
		return Result{}, err
	}
	remaining := l.limit - n
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: n <= l.limit, Limit: l.limit, Remaining: remaining, Reset: reset}, nil
}

// Middleware applies the limiter to public tier requests, keyed by client
// IP. Store errors admit the request.
func Middleware(l *DailyLimiter, logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if tier, _ := auth.GetTier(c); tier != auth.TierPublic {
			c.Next()
			return
		}

		res, err := l.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Warn("rate limit store unavailable, admitting request", zap.Error(err))
			c.Next()
			return
		}

		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
		}
		if !res.Allowed {
			m.RateLimited()
			c.Header("Retry-After", strconv.Itoa(int(time.Until(res.Reset).Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   errs.CodeRateLimited,
				"message": errs.Humanize(errs.CodeRateLimited),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
