// Package main is the entry point for the chat polling ingress. It bridges
// an authorized Telegram peer to the pulse HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/reeve/reeve/internal/chatpoll"
	"github.com/reeve/reeve/internal/common/config"
	"github.com/reeve/reeve/internal/common/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Chat.Token == "" {
		fmt.Fprintln(os.Stderr, "CHAT_API_TOKEN must be set")
		os.Exit(1)
	}
	if cfg.Chat.AuthorizedPeer == 0 {
		fmt.Fprintln(os.Stderr, "CHAT_AUTHORIZED_PEER must be set")
		os.Exit(1)
	}

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

	poller := chatpoll.New(chatpoll.Config{
		Token:          cfg.Chat.Token,
		AuthorizedPeer: cfg.Chat.AuthorizedPeer,
		APIURL:         cfg.Chat.APIURL,
		APIToken:       cfg.Chat.APIToken,
		OffsetPath:     cfg.Chat.OffsetPath,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting chat poller")
	if err := poller.Run(ctx); err != nil {
		log.Error("Chat poller failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Chat poller stopped")
}
