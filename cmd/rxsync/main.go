package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rxsync/rxsync/internal/config"
	"github.com/rxsync/rxsync/internal/platform/auth"
	"github.com/rxsync/rxsync/internal/platform/db"
	"github.com/rxsync/rxsync/internal/platform/middleware"
	"github.com/rxsync/rxsync/internal/platform/telemetry"
)

var version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "rxsync",
		Short: "Pharmacy patient records with reliable replication to central",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a store or central node",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "store",
		Short: "Run a pharmacy store node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(cmd.Context())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "central",
		Short: "Run the central record store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCentral(cmd.Context())
		},
	})
	return cmd
}

func newLogger(cfg *config.Config, role string) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Str("role", role).Logger()
}

func newTelemetry(ctx context.Context, cfg *config.Config, role string) (*telemetry.TelemetryProvider, error) {
	return telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "rxsync-" + role,
		ServiceVersion: version,
		Environment:    cfg.Env,
		TracingEnabled: telemetry.BoolPtr(cfg.TracingEnabled),
		UseStdout:      cfg.TracingStdout,
	})
}

// newServer builds an echo instance with the middleware both roles share.
func newServer(cfg *config.Config, logger zerolog.Logger, tel *telemetry.TelemetryProvider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tel.TracingMiddleware())
	e.Use(tel.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))

	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	rl.BurstSize = cfg.RateLimitBurst
	rl.Skipper = auth.AuthSkipper
	e.Use(middleware.RateLimit(rl))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", tel.PrometheusHandler())
	return e
}

// serve runs the HTTP server and every worker until ctx ends or one of them
// fails, then shuts the server down gracefully.
func serve(ctx context.Context, e *echo.Echo, addr string, logger zerolog.Logger, workers ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, w := range workers {
		w := w
		g.Go(func() error { return w(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	err := g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func dbPoolConfig(cfg *config.Config, role string) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "rxsync-" + role,
	}
}
