package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikepea/tollgate/pkg/tollgate/auth"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

func withIdentity(id *auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(auth.ContextKeyIdentity, id)
		c.Set(auth.ContextKeyTier, id.Tier)
		c.Next()
	}
}

func setupTestRouter(l *Ledger, id *auth.Identity, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", withIdentity(id))
	api.POST("/render", Enforce(l, models.EndpointRender, nil), handler)
	api.GET("/usage", UsageHandler(l))
	return r
}

func okHandler(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) }

func TestEnforceStopsAtQuota(t *testing.T) {
	db := setupTestDB(t)
	l := newLedger(db)
	key := createKey(t, db, &models.Plan{Slug: "starter", MonthlyQuota: intPtr(5), AllowRender: true})
	router := setupTestRouter(l, &auth.Identity{Tier: auth.TierCustomer, Key: key, Plan: key.Plan}, okHandler)

	remaining := []string{"5", "4", "3", "2", "1"}
	for i, want := range remaining {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/render", nil))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, want, w.Header().Get("X-Quota-Remaining"))
		assert.Equal(t, "5", w.Header().Get("X-Quota-Limit"))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/render", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errs.CodeQuotaExceeded, body["error"])
	assert.Equal(t, float64(0), body["remaining"])

	rec, err := l.Current(context.Background(), key.ID, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.TotalFiles)
	assert.Equal(t, int64(5), rec.RenderFiles)
	assert.Equal(t, int64(6), rec.TotalCalls)
	assert.Equal(t, int64(1), rec.ErrorCount)
	assert.Equal(t, errs.CodeQuotaExceeded, rec.LastErrorCode)
}

func TestEnforceRecordsHandlerFailures(t *testing.T) {
	db := setupTestDB(t)
	l := newLedger(db)
	key := createKey(t, db, &models.Plan{Slug: "starter", MonthlyQuota: intPtr(5), AllowRender: true})
	failing := func(c *gin.Context) {
		SetOutcome(c, Outcome{ErrorCode: "unsupported_format", Params: map[string]interface{}{"format": "bmp"}})
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unsupported_format"})
	}
	router := setupTestRouter(l, &auth.Identity{Tier: auth.TierCustomer, Key: key, Plan: key.Plan}, failing)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/render?api_key=tgk_secret&width=10", nil))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	rec, err := l.Current(context.Background(), key.ID, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.TotalFiles, "failed requests consume no files")
	assert.Equal(t, int64(1), rec.ErrorCount)

	var entry models.RequestLog
	require.NoError(t, db.First(&entry).Error)
	assert.Equal(t, "unsupported_format", entry.ErrorCode)
	assert.Equal(t, errs.Humanize("unsupported_format"), entry.ErrorMessage)
	assert.Equal(t, http.StatusUnprocessableEntity, entry.HTTPStatus)
	assert.NotContains(t, string(entry.Params), "tgk_secret")
	assert.Contains(t, string(entry.Params), "bmp")
}

func TestEnforcePassesOtherTiers(t *testing.T) {
	db := setupTestDB(t)
	l := newLedger(db)
	router := setupTestRouter(l, &auth.Identity{Tier: auth.TierOwner}, okHandler)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/render", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-Quota-Remaining"))
	}

	var count int64
	db.Model(&models.UsagePeriod{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestUsageHandler(t *testing.T) {
	db := setupTestDB(t)
	l := newLedger(db)
	key := createKey(t, db, &models.Plan{Slug: "starter", MonthlyQuota: intPtr(5), AllowRender: true})
	router := setupTestRouter(l, &auth.Identity{Tier: auth.TierCustomer, Key: key, Plan: key.Plan}, okHandler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/render", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Period    string             `json:"period"`
		Plan      string             `json:"plan"`
		Remaining int                `json:"remaining"`
		Usage     models.UsagePeriod `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "2024-01", body.Period)
	assert.Equal(t, "starter", body.Plan)
	assert.Equal(t, 4, body.Remaining)
	assert.Equal(t, int64(1), body.Usage.TotalFiles)
}
