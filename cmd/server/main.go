package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/credimax/importer/internal/audit"
	"github.com/credimax/importer/internal/config"
	"github.com/credimax/importer/internal/logging"
	"github.com/credimax/importer/internal/pipeline"
	"github.com/credimax/importer/internal/remote"
	"github.com/credimax/importer/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"remote_store", cfg.Remote.URL,
		"max_concurrent_batches", cfg.Import.MaxConcurrentBatches,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	// The audit trail is optional; without a database URL the pipeline runs
	// with a no-op recorder.
	var auditor audit.Recorder = audit.NoopRecorder{}
	if cfg.Audit.URL != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.Audit.URL)
		if err != nil {
			slog.Error("failed to parse audit database URL", "error", err)
			os.Exit(1)
		}
		poolConfig.MaxConns = int32(cfg.Audit.MaxConns)
		poolConfig.MinConns = int32(cfg.Audit.MinConns)

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			slog.Error("failed to connect to audit database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			slog.Error("failed to ping audit database", "error", err)
			os.Exit(1)
		}
		if u, err := url.Parse(cfg.Audit.URL); err == nil {
			slog.Info("audit trail enabled", "database", strings.TrimPrefix(u.Path, "/"))
		}
		auditor = audit.NewPGRecorder(pool)
	} else {
		slog.Info("audit trail disabled: no database URL configured")
	}

	store := remote.NewClient(cfg.Remote.URL, cfg.Remote.Timeout, cfg.Remote.RetryAttempts)

	service := pipeline.NewService(pipeline.ServiceOptions{
		Store:                store,
		Auditor:              auditor,
		MaxConcurrentBatches: cfg.Import.MaxConcurrentBatches,
		MaxWaitTime:          cfg.Import.MaxWaitTime,
	})
	if len(cfg.Import.StatusCodes) > 0 {
		service.Registry().SetAllowedStatuses(cfg.Import.StatusCodes)
		slog.Info("status set loaded from config", "count", len(cfg.Import.StatusCodes))
	}
	if cfg.Import.Sentinel != "" {
		service.Registry().SetSentinel(cfg.Import.Sentinel)
	}

	server := web.NewServer(service, cfg)
	service.SetNotifier(server.NoticeSink())

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let in-flight batch sessions close before stopping
		if err := service.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("batches did not drain in time", "error", err)
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
