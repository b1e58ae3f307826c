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

	"github.com/joho/godotenv"

	"github.com/webgis-ai/webgis/internal/api"
	"github.com/webgis-ai/webgis/internal/arcgis"
	"github.com/webgis-ai/webgis/internal/assistant"
	"github.com/webgis-ai/webgis/internal/auth"
	rediscache "github.com/webgis-ai/webgis/internal/cache/redis"
	chatpostgres "github.com/webgis-ai/webgis/internal/chat/postgres"
	"github.com/webgis-ai/webgis/internal/config"
	"github.com/webgis-ai/webgis/internal/database"
	"github.com/webgis-ai/webgis/internal/dataset"
	datasetpostgres "github.com/webgis-ai/webgis/internal/dataset/postgres"
	"github.com/webgis-ai/webgis/internal/ingest"
	ingestpostgres "github.com/webgis-ai/webgis/internal/ingest/postgres"
	"github.com/webgis-ai/webgis/internal/llm"
	"github.com/webgis-ai/webgis/internal/nl2sql"
	"github.com/webgis-ai/webgis/internal/observability"
	"github.com/webgis-ai/webgis/internal/query"
	"github.com/webgis-ai/webgis/internal/respond"
	"github.com/webgis-ai/webgis/internal/retry"
	s3store "github.com/webgis-ai/webgis/internal/storage/s3"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env file", slog.Any("error", err))
	}

	cfg, err := config.LoadFromEnv("webgis-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := database.Open(context.Background(), cfg.Store)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	datasetRepo := datasetpostgres.NewRepository(db)
	sessions := chatpostgres.NewRepository(db)
	readiness := []api.ReadinessCheck{datasetRepo.HealthCheck}

	var (
		statusStore  dataset.StatusStore
		featureCache dataset.FeatureCache
	)
	if cfg.Cache.Enabled {
		cache, err := rediscache.New(rediscache.Config{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err != nil {
			logger.Error("failed to initialize redis cache", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = cache.Close() }()
		statusStore = cache
		featureCache = cache
		readiness = append(readiness, cache.HealthCheck)
	}

	var archiver *ingest.Archiver
	if cfg.Archive.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		archiver = &ingest.Archiver{Store: objectStore}
		readiness = append(readiness, objectStore.HealthCheck)
	}

	model, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.AI.BaseURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.SQLModel,
		Timeout: cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize language model client", slog.Any("error", err))
		os.Exit(1)
	}

	featureServer := arcgis.NewClient(
		&http.Client{Timeout: cfg.Ingest.HTTPTimeout},
		arcgis.NewLimiter(cfg.Ingest.RequestsPerSecond),
	)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	ingestService := ingest.NewService(baseCtx, ingest.Config{
		Source:   featureServer,
		Writer:   ingestpostgres.NewWriter(db),
		Registry: datasetRepo,
		Status:   statusStore,
		Cache:    featureCache,
		Archive:  archiver,
		Policy: retry.Policy{
			MaxAttempts: cfg.Ingest.MaxAttempts,
			BaseDelay:   cfg.Ingest.BaseBackoff,
			MaxDelay:    cfg.Ingest.MaxBackoff,
		},
		Logger: logger,
	})

	registrar := &dataset.Registrar{
		Metadata: featureServer,
		Schema: &dataset.SchemaGenerator{
			Client:    model,
			Model:     cfg.AI.SchemaModel,
			MaxTokens: cfg.AI.MaxTokens,
		},
		Repo:      datasetRepo,
		Sessions:  sessions,
		Ingestion: ingestService,
		Logger:    logger,
	}

	responseTemperature := float32(cfg.AI.ResponseTemperature)
	chatAssistant := &assistant.Service{
		Sessions: sessions,
		Schema:   &nl2sql.SchemaDescriptor{Source: datasetRepo, Logger: logger},
		Generator: &nl2sql.Generator{
			Client:    model,
			Model:     cfg.AI.SQLModel,
			MaxTokens: cfg.AI.MaxTokens,
			Logger:    logger,
		},
		Executor: &query.Executor{DB: db, ReadOnlyTx: cfg.Query.ReadOnlyTx, Logger: logger},
		Composer: &respond.Composer{
			Client:      model,
			Model:       cfg.AI.ResponseModel,
			Temperature: &responseTemperature,
			MaxTokens:   cfg.AI.MaxTokens,
			Logger:      logger,
		},
		AllHistory:      cfg.Chat.HistoryScope == config.HistoryScopeAll,
		HistoryLimit:    cfg.Chat.HistoryLimit,
		AllHistoryLimit: cfg.Chat.AllHistoryLimit,
		MaxResultRows:   cfg.Chat.MaxResultRows,
		Logger:          logger,
	}

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Assistant:         chatAssistant,
		Sessions:          sessions,
		Registrar:         registrar,
		Datasets:          datasetRepo,
		Status:            statusStore,
		Features:          featureCache,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Ingest.PreloadOnStart && featureCache != nil {
		go func() {
			if err := ingestService.Preload(baseCtx); err != nil {
				logger.Warn("feature cache preload incomplete", slog.Any("error", err))
			}
		}()
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	shutdownErr := server.Shutdown(shutdownCtx)
	cancelBase()
	ingestService.Wait()
	if shutdownErr != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", shutdownErr))
		_ = server.Close()
		os.Exit(1)
	}
}
