package apikeys

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// Handler serves the admin key lifecycle endpoints
type Handler struct {
	svc *Service
}

// NewHandler creates a new API keys handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// KeyResponse represents an API key in responses. Key is only set when a
// secret was issued by the call; it is never retrievable again.
type KeyResponse struct {
	ID                 string     `json:"id"`
	Key                string     `json:"key,omitempty"`
	KeyPrefix          string     `json:"key_prefix"`
	Last4              string     `json:"last4"`
	Status             string     `json:"status"`
	DisabledReason     string     `json:"disabled_reason,omitempty"`
	Plan               string     `json:"plan,omitempty"`
	CustomerEmail      string     `json:"customer_email"`
	CustomerName       string     `json:"customer_name,omitempty"`
	SubscriptionID     string     `json:"subscription_id,omitempty"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	ValidFrom          *time.Time `json:"valid_from"`
	ValidUntil         *time.Time `json:"valid_until"`
	LastUsedAt         *time.Time `json:"last_used_at"`
	CreatedAt          time.Time  `json:"created_at"`
}

// DisableRequest represents a request to disable keys
type DisableRequest struct {
	Selector
	Reason string `json:"reason"`
}

func toResponse(key *models.APIKey, secret string) KeyResponse {
	resp := KeyResponse{
		ID:                 key.ID,
		Key:                secret,
		KeyPrefix:          key.KeyPrefix,
		Last4:              key.Last4,
		Status:             string(key.Status),
		DisabledReason:     string(key.DisabledReason),
		CustomerEmail:      key.CustomerEmail,
		CustomerName:       key.CustomerName,
		SubscriptionID:     key.SubscriptionID,
		SubscriptionStatus: key.SubscriptionStatus,
		ValidFrom:          key.ValidFrom,
		ValidUntil:         key.ValidUntil,
		LastUsedAt:         key.LastUsedAt,
		CreatedAt:          key.CreatedAt,
	}
	if key.Plan != nil {
		resp.Plan = key.Plan.Slug
	}
	return resp
}

func respondError(c *gin.Context, err error) {
	code := errs.Code(err)
	c.JSON(errs.HTTPStatus(err), gin.H{"error": code, "message": err.Error()})
}

// Provision creates or reactivates a key
func (h *Handler) Provision(c *gin.Context) {
	var req ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.CodeInvalidInput, "message": err.Error()})
		return
	}

	result, err := h.svc.ProvisionOrActivate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"created": result.Created,
		"api_key": toResponse(result.Key, result.Secret),
	})
}

// Disable disables every key matching the selector
func (h *Handler) Disable(c *gin.Context) {
	var req DisableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.CodeInvalidInput, "message": err.Error()})
		return
	}

	count, err := h.svc.Disable(c.Request.Context(), req.Selector, models.DisabledReason(req.Reason))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"disabled": count})
}

// Rotate issues a new secret for the selected key
func (h *Handler) Rotate(c *gin.Context) {
	var sel Selector
	if err := c.ShouldBindJSON(&sel); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.CodeInvalidInput, "message": err.Error()})
		return
	}

	result, err := h.svc.Rotate(c.Request.Context(), sel)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"api_key": toResponse(result.Key, result.Secret)})
}

// List returns keys, optionally filtered by email and status
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	keys, err := h.svc.List(c.Request.Context(), ListFilter{
		Email:  c.Query("email"),
		Status: c.Query("status"),
		Limit:  limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch API keys"})
		return
	}

	responses := make([]KeyResponse, len(keys))
	for i := range keys {
		responses[i] = toResponse(&keys[i], "")
	}

	c.JSON(http.StatusOK, responses)
}

// RegisterRoutes registers API key routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/keys/provision", h.Provision)
	rg.POST("/keys/disable", h.Disable)
	rg.POST("/keys/rotate", h.Rotate)
	rg.GET("/keys", h.List)
}
