package plans

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// Handler handles plan sync requests
type Handler struct {
	svc *Service
}

// NewHandler creates a new plans handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Export returns every plan
func (h *Handler) Export(c *gin.Context) {
	plans, err := h.svc.Export(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch plans"})
		return
	}
	c.JSON(http.StatusOK, plans)
}

// Import replaces or creates the posted plans
func (h *Handler) Import(c *gin.Context) {
	var plans []models.Plan
	if err := c.ShouldBindJSON(&plans); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.CodeInvalidInput, "message": err.Error()})
		return
	}

	result, err := h.svc.Import(c.Request.Context(), plans)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": errs.Code(err), "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Get returns one plan
func (h *Handler) Get(c *gin.Context) {
	plan, err := h.svc.FindBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": errs.Code(err)})
		return
	}
	c.JSON(http.StatusOK, plan)
}

// Put upserts the plan named in the path
func (h *Handler) Put(c *gin.Context) {
	var plan models.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errs.CodeInvalidInput, "message": err.Error()})
		return
	}
	plan.Slug = c.Param("slug")

	saved, created, err := h.svc.Upsert(c.Request.Context(), plan)
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": errs.Code(err), "message": err.Error()})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, saved)
}

// RegisterRoutes registers plan routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/plans", h.Export)
	rg.PUT("/plans", h.Import)
	rg.GET("/plans/:slug", h.Get)
	rg.PUT("/plans/:slug", h.Put)
}
