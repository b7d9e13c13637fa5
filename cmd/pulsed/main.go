// Package main is the entry point for the pulse daemon: the scheduling loop,
// the executor, and the HTTP API in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/reeve/reeve/internal/api"
	"github.com/reeve/reeve/internal/common/config"
	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/db"
	"github.com/reeve/reeve/internal/pulse/daemon"
	"github.com/reeve/reeve/internal/pulse/executor"
	"github.com/reeve/reeve/internal/pulse/queue"
	"github.com/reeve/reeve/internal/pulse/repository"
	"github.com/reeve/reeve/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting pulse daemon...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the pulse store
	var pool *db.Pool
	if cfg.Database.IsPostgres() {
		pool, err = db.OpenPostgresPool(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	} else {
		pool, err = db.OpenSQLitePool(cfg.Database.SQLitePath())
	}
	if err != nil {
		log.Fatal("Failed to open pulse store", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	repo, err := repository.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize repository", zap.Error(err))
	}
	q := queue.New(repo, log)

	// 4. Wire the executor and daemon
	exec := executor.New(executor.Config{
		Command:    cfg.Runner.Command,
		WorkingDir: cfg.Runner.DeskPath,
		Timeout:    cfg.Runner.Timeout(),
	}, log)

	d := daemon.New(q, exec, log, daemon.Config{
		TickInterval:  cfg.Daemon.TickInterval(),
		BatchSize:     cfg.Daemon.BatchSize,
		MaxConcurrent: cfg.Daemon.MaxConcurrent,
		GracePeriod:   cfg.Daemon.GracePeriod(),
	})

	// 5. HTTP API
	server, err := api.NewServer(cfg, q, d, log)
	if err != nil {
		log.Fatal("Failed to create API server", zap.Error(err))
	}

	if err := d.Start(ctx); err != nil {
		log.Fatal("Failed to start daemon", zap.Error(err))
	}
	if err := server.Start(); err != nil {
		log.Fatal("Failed to start API server", zap.Error(err))
	}

	log.Info("Pulse daemon started",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Int("max_concurrent", cfg.Daemon.MaxConcurrent))

	// 6. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	if err := d.Stop(); err != nil {
		log.Error("Daemon shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown failed", zap.Error(err))
	}
	cancel()
	log.Info("Pulse daemon stopped")
}
