package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pacs/pacs/internal/archive"
	"github.com/pacs/pacs/internal/config"
	"github.com/pacs/pacs/internal/platform/db"
	"github.com/pacs/pacs/internal/platform/middleware"
	"github.com/pacs/pacs/internal/platform/telemetry"
)

const version = "0.1.0"

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "pacs-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open archive backend")
	}
	defer b.close()

	e, err := newServer(cfg, logger, b)
	if err != nil {
		return err
	}

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
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with every route mounted.
func newServer(cfg *config.Config, logger zerolog.Logger, b *backend) (*echo.Echo, error) {
	defaultPartition, err := cfg.PartitionID()
	if err != nil {
		return nil, err
	}
	mediaID, err := cfg.MediaID()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.Middleware(nil))
	e.Use(middleware.SecurityHeaders())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if b.pinger != nil {
		e.GET("/health/db", db.HealthHandler(b.pinger, b.stats))
	}

	ingestor := archive.NewIngestor(b.store, b.files, logger)
	handler := archive.NewHandler(ingestor, b.store, archive.Media{ID: mediaID, Folder: cfg.ArchiveRoot})

	api := e.Group("/api/v1")
	api.Use(middleware.Partition(defaultPartition))
	api.Use(middleware.RateLimit(handler.PartitionLimit))
	api.Use(middleware.BodyLimit(cfg.MaxUploadBytes))
	if cfg.RequestTimeout > 0 {
		api.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	handler.RegisterRoutes(api)

	logger.Info().
		Str("storage", cfg.StorageBackend).
		Str("archive_root", cfg.ArchiveRoot).
		Str("default_partition", fmt.Sprint(defaultPartition)).
		Msg("archive routes registered")
	return e, nil
}
