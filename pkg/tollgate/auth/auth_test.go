package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/database"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/keyhash"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.OpenTest()
	require.NoError(t, err)
	return db
}

func testHasher(t *testing.T) *keyhash.Hasher {
	h, err := keyhash.New(keyhash.Options{Algorithms: []string{keyhash.Scrypt}, ScryptLogN: 10})
	require.NoError(t, err)
	return h
}

func newResolver(db *gorm.DB, h *keyhash.Hasher) *Resolver {
	return NewResolver(db, h, StaticKeys{Owner: []string{"owner-key"}, Public: []string{"public-key"}}, nil).
		WithClock(func() time.Time { return fixedNow })
}

// storeKey hashes secret and inserts a customer key row for it.
func storeKey(t *testing.T, db *gorm.DB, h *keyhash.Hasher, secret string, mutate func(*models.APIKey)) *models.APIKey {
	hash, err := h.Hash(secret)
	require.NoError(t, err)
	key := &models.APIKey{
		KeyPrefix:     keyhash.Prefix(secret),
		KeyHash:       hash,
		Last4:         keyhash.Last4(secret),
		Status:        models.KeyStatusActive,
		CustomerEmail: "buyer@example.com",
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, db.Create(key).Error)
	return key
}

func TestResolveStaticTiers(t *testing.T) {
	db := setupTestDB(t)
	r := newResolver(db, testHasher(t))

	id, err := r.Resolve(context.Background(), "owner-key")
	require.NoError(t, err)
	assert.Equal(t, TierOwner, id.Tier)

	id, err = r.Resolve(context.Background(), "public-key")
	require.NoError(t, err)
	assert.Equal(t, TierPublic, id.Tier)
	assert.Nil(t, id.Key)
}

func TestResolveWithoutStaticKeysGrantsOwner(t *testing.T) {
	db := setupTestDB(t)
	r := NewResolver(db, testHasher(t), StaticKeys{}, nil)
	require.True(t, r.Open())

	id, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, TierOwner, id.Tier)
}

func TestResolveCustomerKey(t *testing.T) {
	db := setupTestDB(t)
	h := testHasher(t)
	r := newResolver(db, h)

	plan := &models.Plan{Slug: "starter", Name: "Starter"}
	require.NoError(t, db.Create(plan).Error)

	secret, err := keyhash.NewSecret()
	require.NoError(t, err)
	stored := storeKey(t, db, h, secret, func(k *models.APIKey) { k.PlanID = &plan.ID })

	id, err := r.Resolve(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, TierCustomer, id.Tier)
	assert.Equal(t, stored.ID, id.Key.ID)
	require.NotNil(t, id.Plan)
	assert.Equal(t, "starter", id.Plan.Slug)

	_, err = r.Resolve(context.Background(), secret+"x")
	assert.ErrorIs(t, err, errs.ErrInvalidCredential)
}

func TestResolveFailureKinds(t *testing.T) {
	db := setupTestDB(t)
	h := testHasher(t)
	r := newResolver(db, h)

	future := fixedNow.Add(24 * time.Hour)
	past := fixedNow.Add(-24 * time.Hour)

	tests := []struct {
		name   string
		mutate func(*models.APIKey)
		want   error
	}{
		{"disabled", func(k *models.APIKey) { k.Status = models.KeyStatusDisabled }, errs.ErrInvalidCredential},
		{"unknown status", func(k *models.APIKey) { k.Status = "blocked" }, errs.ErrInvalidCredential},
		{"not yet active", func(k *models.APIKey) { k.ValidFrom = &future }, errs.ErrNotYetActive},
		{"expired", func(k *models.APIKey) { k.ValidUntil = &past }, errs.ErrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret, err := keyhash.NewSecret()
			require.NoError(t, err)
			storeKey(t, db, h, secret, tt.mutate)

			_, err = r.Resolve(context.Background(), secret)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := r.Resolve(context.Background(), "tgk_doesnotexist0000000000")
	assert.ErrorIs(t, err, errs.ErrInvalidCredential)
	_, err = r.Resolve(context.Background(), "short")
	assert.ErrorIs(t, err, errs.ErrInvalidCredential)
}

func TestResolveActivatedSynonym(t *testing.T) {
	db := setupTestDB(t)
	h := testHasher(t)
	r := newResolver(db, h)

	secret, err := keyhash.NewSecret()
	require.NoError(t, err)
	storeKey(t, db, h, secret, func(k *models.APIKey) { k.Status = "activated" })

	id, err := r.Resolve(context.Background(), secret)
	require.NoError(t, err)
	assert.Equal(t, TierCustomer, id.Tier)
}

func TestResolvePrefixCollisionPrefersNewest(t *testing.T) {
	db := setupTestDB(t)
	h := testHasher(t)
	r := newResolver(db, h)

	newer, err := keyhash.NewSecret()
	require.NoError(t, err)
	older := keyhash.Prefix(newer) + "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"
	require.NotEqual(t, newer, older)

	oldKey := storeKey(t, db, h, older, func(k *models.APIKey) { k.UpdatedAt = fixedNow.Add(-time.Hour) })
	newKey := storeKey(t, db, h, newer, func(k *models.APIKey) { k.UpdatedAt = fixedNow })
	require.Equal(t, oldKey.KeyPrefix, newKey.KeyPrefix)

	for i := 0; i < 3; i++ {
		id, err := r.Resolve(context.Background(), newer)
		require.NoError(t, err)
		assert.Equal(t, newKey.ID, id.Key.ID)
	}

	// The newest row shadows the older one for this prefix.
	_, err = r.Resolve(context.Background(), older)
	assert.ErrorIs(t, err, errs.ErrInvalidCredential)
}

func TestResolveUnavailableAlgorithmIsLoud(t *testing.T) {
	db := setupTestDB(t)
	r := newResolver(db, testHasher(t))

	bcryptOnly, err := keyhash.New(keyhash.Options{Algorithms: []string{keyhash.Bcrypt}, BcryptCost: 4, ScryptLogN: 10})
	require.NoError(t, err)
	secret, err := keyhash.NewSecret()
	require.NoError(t, err)
	storeKey(t, db, bcryptOnly, secret, nil)

	_, err = r.Resolve(context.Background(), secret)
	assert.ErrorIs(t, err, errs.ErrHashAlgorithmUnavailable)
}

func TestResolveTouchesLastUsedOnly(t *testing.T) {
	db := setupTestDB(t)
	h := testHasher(t)
	r := newResolver(db, h)

	secret, err := keyhash.NewSecret()
	require.NoError(t, err)
	updated := fixedNow.Add(-48 * time.Hour)
	stored := storeKey(t, db, h, secret, func(k *models.APIKey) { k.UpdatedAt = updated })

	_, err = r.Resolve(context.Background(), secret)
	require.NoError(t, err)

	var reloaded models.APIKey
	require.NoError(t, db.First(&reloaded, "id = ?", stored.ID).Error)
	require.NotNil(t, reloaded.LastUsedAt)
	assert.WithinDuration(t, fixedNow, *reloaded.LastUsedAt, time.Second)
	assert.WithinDuration(t, updated, reloaded.UpdatedAt, time.Second)
}

func setupTestRouter(r *Resolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", Middleware(r, nil, nil), func(c *gin.Context) {
		tier, _ := GetTier(c)
		c.JSON(http.StatusOK, gin.H{"tier": tier})
	})
	return router
}

func TestMiddlewareCredentialSources(t *testing.T) {
	db := setupTestDB(t)
	router := setupTestRouter(newResolver(db, testHasher(t)))

	tests := []struct {
		name   string
		setup  func(*http.Request)
		status int
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer owner-key") }, http.StatusOK},
		{"header", func(r *http.Request) { r.Header.Set("X-API-Key", "public-key") }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "api_key=owner-key" }, http.StatusOK},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestMiddlewareReportsDistinctCodes(t *testing.T) {
	db := setupTestDB(t)
	h := testHasher(t)
	r := newResolver(db, h)
	router := setupTestRouter(r)

	past := fixedNow.Add(-time.Hour)
	secret, err := keyhash.NewSecret()
	require.NoError(t, err)
	storeKey(t, db, h, secret, func(k *models.APIKey) { k.ValidUntil = &past })

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-API-Key", secret)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), errs.CodeExpired)
}

func TestAdminToken(t *testing.T) {
	token, err := GenerateAdminToken("s3cret", "ops", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateAdminToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	_, err = ValidateAdminToken("other", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = GenerateAdminToken("", "ops", time.Minute)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestAdminMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/admin/ping", AdminMiddleware("s3cret"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextKeyAdminSubject))
	})

	token, err := GenerateAdminToken("s3cret", "ops", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
