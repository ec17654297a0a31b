package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsdesk/internal/config"
	"github.com/ehr/claimsdesk/internal/domain/claims"
	"github.com/ehr/claimsdesk/internal/platform/auth"
	"github.com/ehr/claimsdesk/internal/platform/db"
	"github.com/ehr/claimsdesk/internal/platform/draftstore"
	"github.com/ehr/claimsdesk/internal/platform/hipaa"
	"github.com/ehr/claimsdesk/internal/platform/logging"
	"github.com/ehr/claimsdesk/internal/platform/middleware"
	"github.com/ehr/claimsdesk/internal/platform/telemetry"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Console:    cfg.IsDev(),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer closeLog()

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: every request is authenticated as an admin operator")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	migrator, err := db.NewMigrator(pool, db.Migrations(), "public")
	if err != nil {
		return err
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	metrics := telemetry.New()

	client, err := newCRMClient(cfg, logger, metrics.ObserveCRM)
	if err != nil {
		return err
	}

	var sealer draftstore.Sealer
	if cfg.DraftEncryptionKey != "" {
		enc, err := hipaa.NewPHIEncryptorFromHex(cfg.DraftEncryptionKey)
		if err != nil {
			return err
		}
		sealer = enc
	}
	store, closeStore, err := draftstore.Open(ctx, draftstore.Options{
		Kind:     cfg.DraftStore,
		FilePath: cfg.DraftFilePath,
		RedisURL: cfg.RedisURL,
		RedisTTL: cfg.DraftTTL,
		Sealer:   sealer,
	})
	if err != nil {
		return fmt.Errorf("open draft store: %w", err)
	}
	defer closeStore()

	repo := claims.NewRepo(pool)
	defaults := cfg.OrgDefaults()

	agg := claims.NewAggregator(client, client, client, repo, defaults, logger)
	agg.SetLookback(cfg.Lookback())
	candidates := claims.NewCandidatePool(agg, cfg.CRMLocationID, cfg.RefreshInterval, logger)
	go candidates.Run(ctx)

	auditLogger := hipaa.NewAuditLogger(pool, logger)
	svc := claims.NewService(repo, candidates, client, store, metrics.CountingAudit(auditLogger), defaults, logger)
	svc.SetTransactor(db.InTx)
	svc.SetRemoteDraftTimeout(cfg.RemoteDraftTimeout)

	health := map[string]db.Pinger{"database": pool, "crm": client}
	if p, ok := store.(db.Pinger); ok && cfg.DraftStore == draftstore.KindRedis {
		health["draft_store"] = p
	}

	e := newEcho(cfg, logger, metrics, health)

	api := e.Group("/api/v1", authMiddleware(cfg, logger), db.ConnMiddleware(pool))
	claims.NewHandler(svc).RegisterRoutes(api)
	hipaa.NewAuditSearchHandler(auditLogger).RegisterRoutes(api)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	svc.Flush()
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with global middleware and the unauthenticated
// operational endpoints. API routes are mounted by the caller.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, health map[string]db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Operator"},
	}))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	// Batch filing makes several CRM calls per session and gets its own budget.
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, map[string]time.Duration{
		"/api/v1/batch": cfg.BatchTimeout,
	}))

	e.GET("/health", db.HealthHandler(health))
	e.GET("/metrics", metrics.Handler())
	return e
}

func authMiddleware(cfg *config.Config, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.IsDev() {
		return auth.DevAuthMiddleware()
	}
	var key []byte
	if cfg.AuthSigningKey != "" {
		key = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
	}, logger)
}
