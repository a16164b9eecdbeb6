package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/qualys/costwatch/internal/app"
	"github.com/qualys/costwatch/internal/config"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.Logging.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	logger.Info("starting costwatch server", "addr", cfg.Server.Addr())
	if err := a.Serve(ctx); err != nil {
		logger.Error("server failed", "error", err)
	}
}
