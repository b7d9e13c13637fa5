// Package main is the entry point for the stdio MCP server. It opens the
// pulse store directly and serves scheduling tools to the hosting agent
// session.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/reeve/reeve/internal/common/config"
	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/db"
	"github.com/reeve/reeve/internal/mcpserver"
	"github.com/reeve/reeve/internal/pulse/queue"
	"github.com/reeve/reeve/internal/pulse/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Stdout carries the MCP protocol; logs must go to stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

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

	srv := mcpserver.New(q, log)
	log.Info("Serving MCP tools over stdio")
	if err := srv.ServeStdio(); err != nil {
		log.Fatal("MCP server exited", zap.Error(err))
	}
}
