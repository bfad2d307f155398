package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/metadeploy/internal/config"
	"github.com/ehr/metadeploy/internal/domain/metadata"
	"github.com/ehr/metadeploy/internal/platform/auth"
	"github.com/ehr/metadeploy/internal/platform/db"
	"github.com/ehr/metadeploy/internal/platform/deploy"
	"github.com/ehr/metadeploy/internal/platform/middleware"
	"github.com/ehr/metadeploy/internal/platform/session"
)

const version = "0.1.0"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the metadata API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.cfg.Validate(); err != nil {
				return err
			}
			return runServer(rt)
		},
	}
}

// newServer wires the middleware chain and routes. pool may be nil, in which
// case no per-request connection is pinned.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, svc *deploy.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		versions := db.NewMigrator(pool, migrationSource(cfg.MigrationsDir), cfg.DBSchema, logger)
		e.GET("/health/db", db.HealthHandler(pool, versions))
	}

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(session.Middleware())
	if pool != nil {
		apiV1.Use(db.ConnMiddleware(pool, cfg.DBSchema))
	}

	metadata.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}

// runServer serves until SIGINT or SIGTERM, then drains in-flight requests.
func runServer(rt *runtimeEnv) error {
	cfg, logger := rt.cfg, rt.logger
	e := newServer(cfg, logger, rt.pool, rt.svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
