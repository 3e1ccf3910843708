package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinisist/clinisist/internal/config"
	"github.com/clinisist/clinisist/internal/domain/identity"
	"github.com/clinisist/clinisist/internal/domain/notification"
	"github.com/clinisist/clinisist/internal/domain/plan"
	"github.com/clinisist/clinisist/internal/domain/subscription"
	"github.com/clinisist/clinisist/internal/platform/auth"
	"github.com/clinisist/clinisist/internal/platform/db"
	"github.com/clinisist/clinisist/internal/platform/metrics"
	"github.com/clinisist/clinisist/internal/platform/middleware"
	"github.com/clinisist/clinisist/internal/platform/scheduler"
	"github.com/clinisist/clinisist/internal/platform/validation"
	"github.com/clinisist/clinisist/internal/platform/websocket"
)

const version = "0.1.0"

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBConnectWait, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(cfg, pool, logger)
	if err != nil {
		return err
	}
	a.bus.Start()
	defer a.close()

	e := newEcho(cfg, pool, a, logger)

	// Daily expiration sweep
	loc, err := time.LoadLocation(cfg.SweepTimezone)
	if err != nil {
		return err
	}
	sched := scheduler.New(logger, loc, cfg.SweepLockTTL)
	err = sched.Add("expiration-sweep", cfg.SweepSchedule, func(ctx context.Context) error {
		_, err := a.sweeper.SweepExpired(ctx, subscription.TriggerSchedule)
		if errors.Is(err, subscription.ErrSweepInProgress) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()
	if next := sched.Next(); len(next) > 0 {
		logger.Info().Time("next_run", next[0]).Str("schedule", cfg.SweepSchedule).Msg("expiration sweep scheduled")
	}

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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, pool *pgxpool.Pool, a *app, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	public := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))

	authMW := auth.JWTMiddleware(a.tokens)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests act as admin")
		authMW = auth.DevAuthMiddleware(a.tokens)
	}
	api := public.Group("", authMW)

	identity.NewHandler(a.identity).RegisterRoutes(public, api)
	plan.NewHandler(a.plans).RegisterRoutes(api)
	subscription.NewHandler(a.subscriptions, a.sweeper).RegisterRoutes(api)
	notification.NewHandler(a.notifications).RegisterRoutes(api)
	websocket.NewHandler(a.hub).RegisterRoutes(api)

	return e
}
