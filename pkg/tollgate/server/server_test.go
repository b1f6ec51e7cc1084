package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/auth"
	"github.com/mikepea/tollgate/pkg/tollgate/config"
	"github.com/mikepea/tollgate/pkg/tollgate/database"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/keyhash"
	"github.com/mikepea/tollgate/pkg/tollgate/metrics"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
	"github.com/mikepea/tollgate/pkg/tollgate/quota"
	"github.com/mikepea/tollgate/pkg/tollgate/ratelimit"
	"github.com/mikepea/tollgate/pkg/tollgate/reconcile"
)

const adminSecret = "test-admin-secret"

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	token  string
}

func setupTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)
	db, err := database.OpenTest()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth.OwnerKeys = []string{"owner-key"}
	cfg.Auth.PublicKeys = []string{"public-key"}
	cfg.Auth.AdminSecret = adminSecret
	cfg.Auth.PublicDailyLimit = 2
	cfg.Hashing.Algorithms = []string{keyhash.Bcrypt}
	cfg.Hashing.BcryptCost = 4

	hasher, err := keyhash.New(HashingOptions(cfg.Hashing))
	require.NoError(t, err)
	limiter, store, err := NewLimiter(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	router := New(Deps{
		Config:     cfg,
		DB:         db,
		Metrics:    metrics.New("tollgate_test"),
		Hasher:     hasher,
		Limiter:    limiter,
		Reconciler: reconcile.New(db, cfg.Jobs, nil, nil),
		Processor: ProcessorFunc(func(c *gin.Context, endpoint string) {
			quota.SetOutcome(c, quota.Outcome{Action: endpoint + ".convert"})
			body := gin.H{"endpoint": endpoint}
			if d, ok := quota.GetDecision(c); ok {
				body["remaining"] = d.Remaining
			}
			c.JSON(http.StatusOK, body)
		}),
	})

	token, err := auth.GenerateAdminToken(adminSecret, "test", time.Hour)
	require.NoError(t, err)
	return &testServer{router: router, db: db, token: token}
}

func (s *testServer) do(method, path, credential string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) provision(t *testing.T, plan models.Plan, email string) string {
	w := s.do(http.MethodPut, "/admin/plans/"+plan.Slug, s.token, plan)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/admin/keys/provision", s.token, map[string]string{
		"email": email,
		"plan":  plan.Slug,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		APIKey struct {
			Key string `json:"key"`
		} `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.APIKey.Key)
	return resp.APIKey.Key
}

func intPtr(n int) *int { return &n }

func TestCustomerQuotaEndToEnd(t *testing.T) {
	s := setupTestServer(t)
	secret := s.provision(t, models.Plan{Slug: "starter", Name: "Starter", MonthlyQuota: intPtr(5), AllowRender: true}, "buyer@example.com")

	for i := 0; i < 5; i++ {
		w := s.do(http.MethodPost, "/api/v1/render", secret, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d: %s", i+1, w.Body.String())
		assert.Contains(t, w.Body.String(), fmt.Sprintf(`"remaining":%d`, 5-i))
	}

	w := s.do(http.MethodPost, "/api/v1/render", secret, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errs.CodeQuotaExceeded, body["error"])
	assert.Equal(t, float64(0), body["remaining"])
	assert.Equal(t, float64(5), body["limit"])

	var logs []models.RequestLog
	require.NoError(t, s.db.Order("id").Find(&logs).Error)
	require.Len(t, logs, 6)
	assert.Equal(t, "render.convert", logs[0].Action)
	assert.Equal(t, errs.CodeQuotaExceeded, logs[5].ErrorCode)

	w = s.do(http.MethodGet, "/api/v1/usage", secret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"remaining":0`)
}

func TestEndpointNotInPlan(t *testing.T) {
	s := setupTestServer(t)
	secret := s.provision(t, models.Plan{Slug: "render-only", Name: "Render", AllowRender: true}, "a@example.com")

	w := s.do(http.MethodPost, "/api/v1/pdf", secret, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), errs.CodeEndpointNotAllowed)
}

func TestTooManyFiles(t *testing.T) {
	s := setupTestServer(t)
	secret := s.provision(t, models.Plan{Slug: "single", Name: "Single", AllowImage: true, MaxFilesPerRequest: 1}, "b@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range []string{"a.png", "b.png"} {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, _ = fw.Write([]byte("data"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-API-Key", secret)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "too_many_files")
}

func TestPublicTierIsRateLimited(t *testing.T) {
	s := setupTestServer(t)
	for i := 0; i < 2; i++ {
		w := s.do(http.MethodPost, "/api/v1/render", "public-key", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := s.do(http.MethodPost, "/api/v1/render", "public-key", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), errs.CodeRateLimited)

	for i := 0; i < 3; i++ {
		w = s.do(http.MethodPost, "/api/v1/render", "owner-key", nil)
		assert.Equal(t, http.StatusOK, w.Code, "owner tier is not limited")
	}

	var n int64
	require.NoError(t, s.db.Model(&models.RequestLog{}).Count(&n).Error)
	assert.Zero(t, n, "only customer requests are audited")
}

func TestInvalidCredential(t *testing.T) {
	s := setupTestServer(t)
	w := s.do(http.MethodPost, "/api/v1/render", "tgk_notarealkeyatall", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), errs.CodeInvalidCredential)
}

func TestAdminRequiresToken(t *testing.T) {
	s := setupTestServer(t)
	w := s.do(http.MethodGet, "/admin/keys", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/admin/keys", s.token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/admin/jobs/orphans/run", s.token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotConfiguredProcessor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, err := database.OpenTest()
	require.NoError(t, err)
	router := New(Deps{DB: db})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/render", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code, "no static keys means owner access")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewLimiterBackends(t *testing.T) {
	_, _, err := NewLimiter(context.Background(), &config.Config{RateLimit: config.RateLimitConfig{Backend: "carrier-pigeon"}})
	assert.Error(t, err)

	limiter, store, err := NewLimiter(context.Background(), config.Default())
	require.NoError(t, err)
	assert.IsType(t, &ratelimit.MemoryStore{}, store)
	assert.NotNil(t, limiter)
	require.NoError(t, store.Close())

	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.Redis.Address = mr.Addr()
	limiter, store, err = NewLimiter(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &ratelimit.RedisStore{}, store)

	res, err := limiter.Allow(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, cfg.Auth.PublicDailyLimit-1, res.Remaining)
}
