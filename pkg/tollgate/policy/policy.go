// Package policy applies a customer plan's per-request limits: endpoint
// access, upload size and processing timeout.
package policy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mikepea/tollgate/pkg/tollgate/auth"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// ContextKeyLimits is the key for the request Limits in gin context
const ContextKeyLimits = "limits"

// Limits are the caps a processor must honour for this request. Zero means
// no cap.
type Limits struct {
	MaxFiles     int
	MaxBytes     int64
	MaxDimension int
	Timeout      time.Duration
}

// CheckFiles rejects a request carrying more files than allowed.
func (l Limits) CheckFiles(n int) error {
	if l.MaxFiles > 0 && n > l.MaxFiles {
		return fmt.Errorf("%w: %d files, plan allows %d", errs.ErrInvalidInput, n, l.MaxFiles)
	}
	return nil
}

// CheckDimension rejects output larger than the plan's pixel cap.
func (l Limits) CheckDimension(width, height int) error {
	if l.MaxDimension > 0 && (width > l.MaxDimension || height > l.MaxDimension) {
		return fmt.Errorf("%w: %dx%d exceeds %d", errs.ErrInvalidInput, width, height, l.MaxDimension)
	}
	return nil
}

// LimitsFor returns the limits of plan. A nil plan has none.
func LimitsFor(plan *models.Plan) Limits {
	if plan == nil {
		return Limits{}
	}
	return Limits{
		MaxFiles:     plan.MaxFilesPerRequest,
		MaxBytes:     plan.MaxBytesPerRequest,
		MaxDimension: plan.MaxDimension,
		Timeout:      time.Duration(plan.TimeoutSeconds) * time.Second,
	}
}

// Middleware enforces the customer plan for endpoint. Owner and public
// callers have no plan and pass unchanged; defaultTimeout still applies to
// them when set.
func Middleware(endpoint string, defaultTimeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		plan, _ := auth.GetPlan(c)

		if !plan.Allows(endpoint) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   errs.CodeEndpointNotAllowed,
				"message": errs.Humanize(errs.CodeEndpointNotAllowed),
			})
			c.Abort()
			return
		}

		limits := LimitsFor(plan)
		if limits.MaxBytes > 0 {
			if c.Request.ContentLength > limits.MaxBytes {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   errs.CodePayloadTooLarge,
					"message": errs.Humanize(errs.CodePayloadTooLarge),
				})
				c.Abort()
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limits.MaxBytes)
		}

		if limits.Timeout == 0 {
			limits.Timeout = defaultTimeout
		}
		if limits.Timeout > 0 {
			ctx, cancel := context.WithTimeout(c.Request.Context(), limits.Timeout)
			defer cancel()
			c.Request = c.Request.WithContext(ctx)
		}

		c.Set(ContextKeyLimits, limits)
		c.Next()
	}
}

// GetLimits returns the limits from the gin context
func GetLimits(c *gin.Context) Limits {
	v, exists := c.Get(ContextKeyLimits)
	if !exists {
		return Limits{}
	}
	return v.(Limits)
}
