// Command tollgate-server runs the tollgate API gateway and its maintenance
// jobs.
//
// Usage:
//
//	tollgate-server serve --config tollgate.yaml
//	tollgate-server migrate
//	tollgate-server run-job expiry
//	tollgate-server admin-token --subject ops --ttl 1h
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mikepea/tollgate/pkg/tollgate/auth"
	"github.com/mikepea/tollgate/pkg/tollgate/config"
	"github.com/mikepea/tollgate/pkg/tollgate/database"
	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/keyhash"
	"github.com/mikepea/tollgate/pkg/tollgate/logging"
	"github.com/mikepea/tollgate/pkg/tollgate/metrics"
	"github.com/mikepea/tollgate/pkg/tollgate/reconcile"
	"github.com/mikepea/tollgate/pkg/tollgate/schema"
	"github.com/mikepea/tollgate/pkg/tollgate/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve      ServeCmd      `cmd:"" default:"1" help:"Start the HTTP server and the reconciler jobs."`
	Migrate    MigrateCmd    `cmd:"" help:"Create or update the database schema and exit."`
	RunJob     RunJobCmd     `cmd:"" name:"run-job" help:"Run one reconciler job once and print its report."`
	AdminToken AdminTokenCmd `cmd:"" name:"admin-token" help:"Print a token for the admin API."`

	Config string `short:"c" help:"Path to config file." type:"path" default:"tollgate.yaml" env:"TOLLGATE_CONFIG"`
}

// app holds what every command needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func (cli *CLI) load() (*app, error) {
	cfg, warnings, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}
	return &app{cfg: cfg, logger: logger}, nil
}

// ServeCmd starts the server.
type ServeCmd struct {
	Port   int  `help:"Port to listen on (overrides config)."`
	NoJobs bool `name:"no-jobs" help:"Do not schedule reconciler jobs in this process."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	defer a.logger.Sync()
	cfg, logger := a.cfg, a.logger
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.Server.GinMode)

	db, err := database.OpenAndMigrate(cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("database ready", zap.String("driver", cfg.Database.Driver))

	hasher, err := keyhash.New(server.HashingOptions(cfg.Hashing))
	if err != nil {
		return err
	}
	for name, reason := range hasher.Skipped() {
		logger.Warn("hash algorithm unavailable", zap.String("algorithm", name), zap.Error(reason))
	}
	logger.Info("key hashing ready",
		zap.String("preferred", hasher.Preferred()),
		zap.Strings("available", hasher.Available()))

	m := metrics.New("tollgate")

	limiter, store, err := server.NewLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := reconcile.New(db, cfg.Jobs, logger, m)
	sched := reconcile.NewScheduler(rec, cfg.Jobs, logger)
	if !c.NoJobs {
		sched.Start()
	}

	router := server.New(server.Deps{
		Config:     cfg,
		DB:         db,
		Logger:     logger,
		Metrics:    m,
		Hasher:     hasher,
		Limiter:    limiter,
		Reconciler: rec,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting tollgate server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, logger, sched, srv)
	return nil
}

type scheduler interface {
	Stop(ctx context.Context) error
}

type httpServer interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops the reconciler jobs, waiting for in-flight batches, and
// then drains the HTTP server. Both share the deadline in ctx.
func shutdown(ctx context.Context, logger *zap.Logger, sched scheduler, srv httpServer) {
	if err := sched.Stop(ctx); err != nil {
		logger.Warn("reconciler jobs still running at exit", zap.Error(err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
}

// MigrateCmd migrates the schema.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	db, err := database.OpenAndMigrate(a.cfg.Database)
	if err != nil {
		return err
	}
	guard := schema.New(db, a.logger)
	if err := guard.Ensure(context.Background()); err != nil {
		return err
	}
	a.logger.Info("migrations completed")
	return nil
}

// RunJobCmd runs a reconciler job once.
type RunJobCmd struct {
	Name string `arg:"" enum:"expiry,expiry-purge,orphans,retention" help:"Job to run (expiry, expiry-purge, orphans, retention)."`
}

func (c *RunJobCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	defer a.logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(a.cfg.Database)
	if err != nil {
		return err
	}
	report, err := reconcile.New(db, a.cfg.Jobs, a.logger, nil).Run(ctx, c.Name)
	if report != nil {
		if perr := printReport(os.Stdout, report); perr != nil {
			return perr
		}
	}
	if errors.Is(err, errs.ErrLockBusy) {
		a.logger.Info("another instance holds the job lock", zap.String("job", c.Name))
		return nil
	}
	return err
}

func printReport(w io.Writer, report *reconcile.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write job report: %w", err)
	}
	return nil
}

// AdminTokenCmd prints an admin API token.
type AdminTokenCmd struct {
	Subject string        `help:"Token subject." default:"cli"`
	TTL     time.Duration `name:"ttl" help:"Token lifetime." default:"1h"`
}

func (c *AdminTokenCmd) Run(cli *CLI) error {
	a, err := cli.load()
	if err != nil {
		return err
	}
	token, err := auth.GenerateAdminToken(a.cfg.Auth.AdminSecret, c.Subject, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("tollgate-server"),
		kong.Description("API key, quota and maintenance gateway for the processing API."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
