// Package server assembles the HTTP surface: the processing API behind key
// resolution, rate limiting, plan policy and quota enforcement, plus the
// admin API for keys, plans and maintenance jobs.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/admin"
	"github.com/mikepea/tollgate/pkg/tollgate/apikeys"
	"github.com/mikepea/tollgate/pkg/tollgate/auth"
	"github.com/mikepea/tollgate/pkg/tollgate/config"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/keyhash"
	"github.com/mikepea/tollgate/pkg/tollgate/metrics"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
	"github.com/mikepea/tollgate/pkg/tollgate/plans"
	"github.com/mikepea/tollgate/pkg/tollgate/policy"
	"github.com/mikepea/tollgate/pkg/tollgate/quota"
	"github.com/mikepea/tollgate/pkg/tollgate/ratelimit"
	"github.com/mikepea/tollgate/pkg/tollgate/reconcile"
	"github.com/mikepea/tollgate/pkg/tollgate/schema"
)

// Deps are the collaborators New wires together. Limiter, Reconciler and
// Processor are optional.
type Deps struct {
	Config     *config.Config
	DB         *gorm.DB
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Hasher     *keyhash.Hasher
	Limiter    *ratelimit.DailyLimiter
	Reconciler *reconcile.Reconciler
	Processor  Processor
}

// New builds the router.
func New(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	processor := d.Processor
	if processor == nil {
		processor = NotConfiguredProcessor{}
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}

	resolver := auth.NewResolver(d.DB, d.Hasher, auth.StaticKeys{
		Owner:  cfg.Auth.OwnerKeys,
		Public: cfg.Auth.PublicKeys,
	}, logger)
	ledger := quota.NewLedger(d.DB, schema.New(d.DB, logger), logger, d.Metrics)

	r := gin.New()
	r.Use(gin.Recovery(), accessLog(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	// Processing API
	api := r.Group("/api/v1", auth.Middleware(resolver, logger, d.Metrics))
	if d.Limiter != nil {
		api.Use(ratelimit.Middleware(d.Limiter, logger, d.Metrics))
	}
	for _, endpoint := range []string{models.EndpointRender, models.EndpointImage, models.EndpointPDF} {
		api.POST("/"+endpoint,
			policy.Middleware(endpoint, cfg.Server.RequestTimeout),
			quota.Enforce(ledger, endpoint, RequestedFiles),
			process(processor, endpoint),
		)
	}
	api.GET("/usage", quota.UsageHandler(ledger))

	// Admin API
	adminGroup := r.Group("/admin", auth.AdminMiddleware(cfg.Auth.AdminSecret))
	apikeys.NewHandler(apikeys.NewService(d.DB, d.Hasher, logger)).RegisterRoutes(adminGroup)
	plans.NewHandler(plans.NewService(d.DB, logger)).RegisterRoutes(adminGroup)
	if d.Reconciler != nil {
		admin.NewHandler(d.DB, d.Reconciler).RegisterRoutes(adminGroup)
	}

	return r
}

// RequestedFiles counts the files in a multipart upload; any other request
// counts as one file.
func RequestedFiles(c *gin.Context) int {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if form, err := c.MultipartForm(); err == nil {
			n := 0
			for _, files := range form.File {
				n += len(files)
			}
			if n > 0 {
				return n
			}
		}
	}
	return 1
}

func process(p Processor, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := policy.GetLimits(c).CheckFiles(RequestedFiles(c)); err != nil {
			quota.SetOutcome(c, quota.Outcome{ErrorCode: "too_many_files", ErrorMessage: err.Error()})
			c.JSON(http.StatusBadRequest, gin.H{"error": "too_many_files", "message": errs.Humanize("too_many_files")})
			return
		}
		p.Serve(c, endpoint)
	}
}

// HashingOptions converts the hashing configuration.
func HashingOptions(cfg config.HashingConfig) keyhash.Options {
	return keyhash.Options{
		Algorithms: cfg.Algorithms,
		BcryptCost: cfg.BcryptCost,
		Argon2: keyhash.Argon2Params{
			MemoryKiB: cfg.Argon2.MemoryKiB,
			Time:      cfg.Argon2.Time,
			Threads:   cfg.Argon2.Threads,
		},
		ScryptLogN: cfg.ScryptLogN,
	}
}

// NewLimiter builds the public tier limiter on the configured backend. The
// returned store must be closed by the caller.
func NewLimiter(ctx context.Context, cfg *config.Config) (*ratelimit.DailyLimiter, ratelimit.Store, error) {
	var store ratelimit.Store
	switch cfg.RateLimit.Backend {
	case "", "memory":
		store = ratelimit.NewMemoryStore(nil, 10*time.Minute)
	case "redis":
		rs, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisOptions{
			Address:  cfg.RateLimit.Redis.Address,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
			Prefix:   cfg.RateLimit.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		store = rs
	default:
		return nil, nil, fmt.Errorf("unsupported rate limit backend: %s", cfg.RateLimit.Backend)
	}
	return ratelimit.NewDailyLimiter(store, cfg.Auth.PublicDailyLimit, nil), store, nil
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if tier, ok := auth.GetTier(c); ok {
			fields = append(fields, zap.String("tier", string(tier)))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}
