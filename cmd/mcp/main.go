package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/evidence-router/internal/adapters/mcp"
	"github.com/kirillkom/evidence-router/internal/bootstrap"
	"github.com/kirillkom/evidence-router/internal/config"
	"github.com/kirillkom/evidence-router/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	// stdout carries the MCP stream
	logger := logging.New(os.Stderr, "mcp", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	server, err := mcp.NewServer(app.Retrieval, logger)
	if err != nil {
		logger.Error("mcp_init_failed", "error", err)
		os.Exit(1)
	}
	if err := server.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("mcp_server_failed", "error", err)
		os.Exit(1)
	}
}
