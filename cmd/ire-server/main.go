package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medsync/ire/internal/config"
	"github.com/medsync/ire/internal/domain/admin"
	"github.com/medsync/ire/internal/domain/canonical"
	"github.com/medsync/ire/internal/domain/matchlog"
	"github.com/medsync/ire/internal/domain/mobileprereg"
	"github.com/medsync/ire/internal/domain/protocol"
	"github.com/medsync/ire/internal/domain/rawpatient"
	"github.com/medsync/ire/internal/domain/reconcile"
	"github.com/medsync/ire/internal/platform/auth"
	"github.com/medsync/ire/internal/platform/db"
	"github.com/medsync/ire/internal/platform/locks"
	"github.com/medsync/ire/internal/platform/metrics"
	"github.com/medsync/ire/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ire-server",
		Short: "Identity reconciliation server for clinic HIS feeds",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(backfillCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reconciliation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Reconcile all unprocessed staged records once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill()
		},
	}
}

func runBackfill() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	engine, err := buildEngine(cfg, pool, logger)
	if err != nil {
		return err
	}

	rawRepo := rawpatient.NewRepoPG(pool)
	processed := 0
	failedIDs := make(map[int64]bool)
	for {
		raws, err := rawRepo.ListUnprocessed(ctx, 100)
		if err != nil {
			return fmt.Errorf("list unprocessed: %w", err)
		}
		if len(raws) == 0 {
			break
		}

		progress := false
		for _, r := range raws {
			if _, err := engine.Reconcile(ctx, reconcile.EventForRaw(r)); err != nil {
				failedIDs[r.RawID] = true
				logger.Warn().Int64("raw_id", r.RawID).Err(err).Msg("backfill reconcile failed")
				continue
			}
			delete(failedIDs, r.RawID)
			processed++
			progress = true
		}
		// Rows that keep failing stay unprocessed; stop once a full pass
		// makes no headway so we do not spin on them.
		if !progress {
			break
		}
	}

	logger.Info().
		Int("processed", processed).
		Int("failed", len(failedIDs)).
		Msg("backfill complete")
	if len(failedIDs) > 0 {
		return fmt.Errorf("%d record(s) could not be reconciled", len(failedIDs))
	}
	return nil
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func buildEngine(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*reconcile.Engine, error) {
	pairs, err := cfg.ReferrerPairs()
	if err != nil {
		return nil, err
	}
	return reconcile.NewEngine(reconcile.Config{
		Canonicals:  canonical.NewRepoPG(pool),
		Raws:        rawpatient.NewRepoPG(pool),
		Preregs:     mobileprereg.NewRepoPG(pool),
		Logs:        matchlog.NewRepoPG(pool),
		Referrers:   reconcile.NewReferrers(pairs...),
		Locks:       locks.NewAdvisory(pool, cfg.LockTimeout()),
		Tx:          reconcile.PgTxRunner{Pool: pool},
		RetryMax:    cfg.RetryMax,
		BackoffBase: cfg.RetryBackoffBase(),
		Timeout:     cfg.ReconcileTimeout(),
		Logger:      logger,
	}), nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Repositories
	canonRepo := canonical.NewRepoPG(pool)
	rawRepo := rawpatient.NewRepoPG(pool)
	preregRepo := mobileprereg.NewRepoPG(pool)
	protoRepo := protocol.NewRepoPG(pool)
	logRepo := matchlog.NewRepoPG(pool)

	// Engine
	lockMgr := locks.NewAdvisory(pool, cfg.LockTimeout())
	pairs, err := cfg.ReferrerPairs()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid referrer tables")
	}
	engine := reconcile.NewEngine(reconcile.Config{
		Canonicals:  canonRepo,
		Raws:        rawRepo,
		Preregs:     preregRepo,
		Logs:        logRepo,
		Referrers:   reconcile.NewReferrers(pairs...),
		Locks:       lockMgr,
		Tx:          reconcile.PgTxRunner{Pool: pool},
		RetryMax:    cfg.RetryMax,
		BackoffBase: cfg.RetryBackoffBase(),
		Timeout:     cfg.ReconcileTimeout(),
		Logger:      logger,
	})

	// Background worker pool for backlog draining
	workers := reconcile.NewPool(reconcile.PoolConfig{
		Engine:       engine,
		Raws:         rawRepo,
		Workers:      cfg.WorkerCount,
		QueueSize:    cfg.QueueSize,
		RequeueMax:   cfg.RetryMax,
		RequeueDelay: cfg.RetryBackoffBase(),
		PollInterval: cfg.BacklogPollInterval(),
		Logger:       logger,
	})
	poolCtx, poolCancel := context.WithCancel(ctx)
	defer poolCancel()
	go workers.Run(poolCtx)
	logger.Info().Int("workers", cfg.WorkerCount).Msg("worker pool started")

	// Sample pool connection counts for the metrics endpoint.
	go func() {
		t := time.NewTicker(15 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-poolCtx.Done():
				return
			case <-t.C:
				metrics.SetDBConnections(pool.Stat().TotalConns())
			}
		}
	}()

	// Services
	canonSvc := canonical.NewService(canonRepo, lockMgr)
	rawSvc := rawpatient.NewService(rawRepo, engine)
	protoSvc := protocol.NewService(protoRepo, rawSvc)
	preregSvc := mobileprereg.NewService(preregRepo)
	logSvc := matchlog.NewService(logRepo)
	adminSvc := admin.NewService(canonSvc, rawRepo, protoRepo, preregRepo, logSvc, engine, workers)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("64K", "1M"))
	e.Use(middleware.RequestTimeout(cfg.ReconcileTimeout() + 5*time.Second))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.JWTSecret),
		}))
	}

	// Audit trail for admin mutations
	e.Use(middleware.Audit(logger))

	// API group with rate limiting
	api := e.Group("/api")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rateLimitCfg))

	// Routes
	rawpatient.NewHandler(rawSvc).RegisterRoutes(api)
	protocol.NewHandler(protoSvc).RegisterRoutes(api)
	mobileprereg.NewHandler(preregSvc).RegisterRoutes(api)
	admin.NewHandler(adminSvc).RegisterRoutes(api)

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	poolCancel()
	logger.Info().Msg("server stopped")
	return nil
}
