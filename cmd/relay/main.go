package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schoolride/relay/internal/opsapi"
	"github.com/schoolride/relay/internal/server"
	"github.com/schoolride/relay/pkg/config"
	"github.com/schoolride/relay/pkg/logging"
)

func main() {
	// Bootstrap logger so config loading has somewhere to complain.
	logger, _ := logging.New(logging.Options{})
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger, err = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		slog.Error("Invalid logging configuration", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg)
	ops := opsapi.NewServer(logger, app.Service(), app.Manager(), app.Metrics())

	go func() {
		logger.Info("Ops server starting", slog.String("addr", cfg.Ops.Address))
		if err := ops.Start(cfg.Ops.Address); err != nil && err != http.ErrServerClosed {
			logger.Error("Ops server failed", slog.Any("error", err))
		}
	}()

	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops server shutdown failed", slog.Any("error", err))
	}

	logger.Info("Application shut down successfully.")
}
