package plans

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikepea/tollgate/pkg/tollgate/database"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

func setupService(t *testing.T) *Service {
	db, err := database.OpenTest()
	require.NoError(t, err)
	return NewService(db, nil)
}

func intPtr(v int) *int { return &v }

func TestUpsertCreatesThenReplaces(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	p, created, err := svc.Upsert(ctx, models.Plan{Slug: "starter", MonthlyQuota: intPtr(5), AllowRender: true, AllowPDF: true})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "starter", p.Name)

	p2, created, err := svc.Upsert(ctx, models.Plan{Slug: "starter", Name: "Starter", MonthlyQuota: intPtr(10), AllowRender: true})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, p2.ID)

	got, err := svc.FindBySlug(ctx, "starter")
	require.NoError(t, err)
	assert.Equal(t, 10, *got.MonthlyQuota)
	assert.False(t, got.AllowPDF, "a flag turned off must stay off")
}

func TestFindBySlugMissing(t *testing.T) {
	svc := setupService(t)
	_, err := svc.FindBySlug(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrPlanNotFound)
}

func TestImportIsAtomic(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	_, err := svc.Import(ctx, []models.Plan{
		{Slug: "free", IsFree: true, MonthlyQuota: intPtr(20)},
		{Slug: ""},
	})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	plans, err := svc.Export(ctx)
	require.NoError(t, err)
	assert.Empty(t, plans)

	res, err := svc.Import(ctx, []models.Plan{
		{Slug: "free", IsFree: true, MonthlyQuota: intPtr(20)},
		{Slug: "pro"},
	})
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Created: 2}, res)

	plans, err = svc.Export(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "free", plans[0].Slug)
	assert.Nil(t, plans[1].MonthlyQuota)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(setupService(t)).RegisterRoutes(router.Group("/admin"))

	body, _ := json.Marshal(models.Plan{MonthlyQuota: intPtr(5), AllowImage: true})
	req := httptest.NewRequest(http.MethodPut, "/admin/plans/starter", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/admin/plans/starter", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Plan
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.AllowImage)

	req = httptest.NewRequest(http.MethodGet, "/admin/plans/missing", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
