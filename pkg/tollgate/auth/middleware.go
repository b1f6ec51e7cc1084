package auth

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/metrics"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

const (
	// ContextKeyIdentity is the key for the resolved *Identity in gin context
	ContextKeyIdentity = "identity"
	// ContextKeyTier is the key for the resolved Tier in gin context
	ContextKeyTier = "tier"
	// ContextKeyAPIKey is the key for the customer *models.APIKey in gin context
	ContextKeyAPIKey = "api_key"
	// ContextKeyPlan is the key for the customer *models.Plan in gin context
	ContextKeyPlan = "plan"
)

// Credential extracts the caller's key from the Authorization bearer
// header, the X-API-Key header or the api_key query parameter, in that
// order.
func Credential(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := c.GetHeader("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return c.Query("api_key")
}

// Middleware resolves the request credential and rejects the request
// before any processing when resolution fails.
func Middleware(resolver *Resolver, logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		identity, err := resolver.Resolve(c.Request.Context(), Credential(c))
		if err != nil {
			code := errs.Code(err)
			m.AuthResolved("none", code)
			if code == errs.CodeInternal || code == errs.CodeHashAlgorithmUnavailable {
				logger.Error("credential resolution failed", zap.Error(err))
			}
			c.JSON(errs.HTTPStatus(err), gin.H{"error": code, "message": errs.Humanize(code)})
			c.Abort()
			return
		}
		m.AuthResolved(string(identity.Tier), "ok")

		c.Set(ContextKeyIdentity, identity)
		c.Set(ContextKeyTier, identity.Tier)
		if identity.Key != nil {
			c.Set(ContextKeyAPIKey, identity.Key)
		}
		if identity.Plan != nil {
			c.Set(ContextKeyPlan, identity.Plan)
		}

		c.Next()
	}
}

// GetIdentity returns the resolved identity from the gin context
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	return v.(*Identity), true
}

// GetTier returns the resolved tier from the gin context
func GetTier(c *gin.Context) (Tier, bool) {
	v, exists := c.Get(ContextKeyTier)
	if !exists {
		return "", false
	}
	return v.(Tier), true
}

// GetAPIKey returns the customer key from the gin context
func GetAPIKey(c *gin.Context) (*models.APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return v.(*models.APIKey), true
}

// GetPlan returns the customer plan from the gin context
func GetPlan(c *gin.Context) (*models.Plan, bool) {
	v, exists := c.Get(ContextKeyPlan)
	if !exists {
		return nil, false
	}
	return v.(*models.Plan), true
}
