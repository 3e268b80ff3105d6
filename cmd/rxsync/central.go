package main

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rxsync/rxsync/internal/config"
	"github.com/rxsync/rxsync/internal/domain/central"
	"github.com/rxsync/rxsync/internal/domain/registry"
	"github.com/rxsync/rxsync/internal/platform/auth"
	"github.com/rxsync/rxsync/internal/platform/db"
	"github.com/rxsync/rxsync/internal/platform/telemetry"
)

// newCentral wires the central record store and pharmacy registry. The
// returned func releases its database pool.
func newCentral(ctx context.Context, cfg *config.Config, logger zerolog.Logger, tel *telemetry.TelemetryProvider) (*echo.Echo, func(), error) {
	e := newServer(cfg, logger, tel)
	if cfg.CentralJWTSecret != "" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.CentralJWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		logger.Warn().Msg("CENTRAL_JWT_SECRET not set; accepting unauthenticated stores")
	}

	var (
		repo     central.Repository = central.NewMemoryRepository()
		pharmacy registry.Journal   = registry.NewMemoryJournal()
	)
	api := e.Group("")
	closeFn := func() {}
	if cfg.Storage == config.StoragePostgres {
		pool, err := db.NewPool(ctx, dbPoolConfig(cfg, "central"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Msg("connected to database")
		closeFn = pool.Close

		repo = central.NewRepoPG(pool)
		pharmacy = registry.NewJournalPG(pool)
		api = e.Group("", db.ConnMiddleware(pool))
		e.GET("/health/db", db.HealthHandler(pool))
	}
	central.NewHandler(central.NewService(repo, logger)).RegisterRoutes(api)
	registry.NewHandler(registry.NewService(pharmacy, logger)).RegisterRoutes(api)
	return e, closeFn, nil
}

func runCentral(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "central")
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	tel, err := newTelemetry(ctx, cfg, "central")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	e, closeFn, err := newCentral(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer closeFn()
	return serve(ctx, e, ":"+cfg.Port, logger)
}
