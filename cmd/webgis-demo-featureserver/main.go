package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/webgis-ai/webgis/internal/demo/featureserver"
)

func main() {
	cfg, err := featureserver.LoadConfigFromEnv(os.LookupEnv)
	if err != nil {
		slog.Error("failed to load demo feature server config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	service, err := featureserver.NewServer(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize demo feature server", slog.Any("error", err))
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           service.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info(
			"demo feature server started",
			slog.String("addr", cfg.Address),
			slog.String("layer_path", featureserver.LayerPath),
			slog.String("layer", cfg.LayerName),
			slog.Int("features", cfg.FeatureCount),
			slog.Int("max_record_count", cfg.MaxRecordCount),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("demo feature server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("demo feature server stopped")
}
