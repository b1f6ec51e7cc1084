package quota

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mikepea/tollgate/pkg/tollgate/auth"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
)

const (
	// ContextKeyDecision is the key for the quota Decision in gin context
	ContextKeyDecision = "quota_decision"
	// ContextKeyOutcome is the key for the handler's *Outcome in gin context
	ContextKeyOutcome = "quota_outcome"
)

// Outcome is what a processing handler reports back for accounting. Unset
// fields are derived from the response.
type Outcome struct {
	Files        int
	Action       string
	ErrorCode    string
	ErrorMessage string
	Params       map[string]interface{}
}

// SetOutcome stores the handler's outcome for the ledger.
func SetOutcome(c *gin.Context, o Outcome) {
	c.Set(ContextKeyOutcome, &o)
}

// GetDecision returns the quota decision made for this request
func GetDecision(c *gin.Context) (Decision, bool) {
	v, exists := c.Get(ContextKeyDecision)
	if !exists {
		return Decision{}, false
	}
	return v.(Decision), true
}

// FilesFunc reports how many files a request asks to process.
type FilesFunc func(c *gin.Context) int

// OneFile counts every request as a single file.
func OneFile(*gin.Context) int { return 1 }

// Enforce checks the customer's quota before the handler runs and records
// usage after it, whatever the outcome. Other tiers pass straight through.
// Failures while recording are logged and never change the response.
func Enforce(l *Ledger, endpoint string, files FilesFunc) gin.HandlerFunc {
	if files == nil {
		files = OneFile
	}
	return func(c *gin.Context) {
		identity, ok := auth.GetIdentity(c)
		if !ok || identity.Tier != auth.TierCustomer {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		requested := files(c)
		period := Period(identity.Key, identity.Plan, l.now())
		rec, err := l.GetOrCreate(ctx, identity.Key.ID, period)
		if err != nil {
			l.logger.Error("quota lookup failed", zap.String("key_id", identity.Key.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": errs.CodeInternal, "message": errs.Humanize(errs.CodeInternal)})
			c.Abort()
			return
		}

		var limit *int
		if identity.Plan != nil {
			limit = identity.Plan.MonthlyQuota
		}
		decision := CheckQuota(rec, limit, requested)
		l.metrics.QuotaDecision(decision.Allowed)
		if decision.Limit != nil {
			c.Header("X-Quota-Limit", strconv.Itoa(*decision.Limit))
			c.Header("X-Quota-Remaining", strconv.Itoa(*decision.Remaining))
		}
		c.Header("X-Quota-Period", period)
		c.Set(ContextKeyDecision, decision)

		if !decision.Allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     errs.CodeQuotaExceeded,
				"message":   errs.Humanize(errs.CodeQuotaExceeded),
				"remaining": *decision.Remaining,
				"limit":     *decision.Limit,
			})
			c.Abort()
			l.record(c, endpoint, period, 0, &Outcome{ErrorCode: errs.CodeQuotaExceeded})
			return
		}

		c.Next()

		var outcome *Outcome
		if v, ok := c.Get(ContextKeyOutcome); ok {
			outcome = v.(*Outcome)
		}
		l.record(c, endpoint, period, requested, outcome)
	}
}

func (l *Ledger) record(c *gin.Context, endpoint, period string, requested int, outcome *Outcome) {
	identity, _ := auth.GetIdentity(c)
	status := c.Writer.Status()
	success := status < http.StatusBadRequest

	ev := Event{
		Tier:       identity.Tier,
		Key:        identity.Key,
		Plan:       identity.Plan,
		Period:     period,
		Endpoint:   endpoint,
		Action:     c.Request.Method + " " + c.FullPath(),
		HTTPStatus: status,
		Success:    success,
		ClientIP:   c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		Params:     queryParams(c),
	}
	if c.Request.ContentLength > 0 {
		ev.BytesIn = c.Request.ContentLength
	}
	if size := c.Writer.Size(); size > 0 {
		ev.BytesOut = int64(size)
	}
	if success {
		ev.Files = requested
	}

	if outcome != nil {
		if outcome.Files > 0 || outcome.ErrorCode != "" {
			ev.Files = outcome.Files
		}
		if outcome.Action != "" {
			ev.Action = outcome.Action
		}
		ev.ErrorCode = outcome.ErrorCode
		ev.ErrorMessage = outcome.ErrorMessage
		for k, v := range outcome.Params {
			ev.Params[k] = v
		}
		if outcome.ErrorCode != "" {
			ev.Success = false
		}
	}
	if !ev.Success && ev.ErrorCode == "" {
		ev.ErrorCode = codeForStatus(status)
	}

	// The client may already be gone; accounting must still land.
	ctx := context.WithoutCancel(c.Request.Context())
	if err := l.RecordAndLog(ctx, ev); err != nil {
		l.metrics.UsageRecordFailed()
		l.logger.Error("failed to record usage",
			zap.String("key_id", identity.Key.ID),
			zap.String("endpoint", endpoint),
			zap.Error(err))
	}
}

func queryParams(c *gin.Context) map[string]interface{} {
	params := make(map[string]interface{})
	for k, v := range c.Request.URL.Query() {
		if len(v) == 1 {
			params[k] = v[0]
		} else {
			params[k] = v
		}
	}
	return params
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusForbidden:
		return errs.CodeEndpointNotAllowed
	case http.StatusRequestEntityTooLarge:
		return errs.CodePayloadTooLarge
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return "timeout"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "upstream_unavailable"
	}
	if status >= http.StatusInternalServerError {
		return "processing_failed"
	}
	return errs.CodeInvalidInput
}

// UsageHandler reports the caller's current period usage and remaining quota.
func UsageHandler(l *Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": errs.CodeInvalidCredential})
			return
		}
		if identity.Tier != auth.TierCustomer {
			c.JSON(http.StatusOK, gin.H{"tier": identity.Tier, "unlimited": identity.Tier == auth.TierOwner})
			return
		}

		period := Period(identity.Key, identity.Plan, l.now())
		rec, err := l.Current(c.Request.Context(), identity.Key.ID, period)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": errs.CodeInternal})
			return
		}

		resp := gin.H{
			"tier":   identity.Tier,
			"period": period,
			"usage":  rec,
		}
		if identity.Plan != nil {
			resp["plan"] = identity.Plan.Slug
			d := CheckQuota(rec, identity.Plan.MonthlyQuota, 0)
			resp["limit"] = d.Limit
			resp["remaining"] = d.Remaining
		}
		c.JSON(http.StatusOK, resp)
	}
}
