package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sevigo/review-queue/internal/app"
	"github.com/sevigo/review-queue/internal/config"
	"github.com/sevigo/review-queue/internal/logger"
	"github.com/sevigo/review-queue/internal/processor"
	"github.com/sevigo/review-queue/internal/workflows"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application failed to run", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(cfg.Log, nil)
	slog.SetDefault(log)

	registry := processor.Registry{}
	workflows.Register(registry)

	application, cleanup, err := app.NewApp(cfg, registry, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer cleanup()

	log.Info("starting review-queue application")
	application.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- application.Wait() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			log.Error("worker error, shutting down", "error", err)
		}
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
	}

	if err := application.Stop(); err != nil {
		return fmt.Errorf("failed to stop application: %w", err)
	}
	return nil
}
