package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webgis-ai/webgis/internal/assistant"
	"github.com/webgis-ai/webgis/internal/auth"
	"github.com/webgis-ai/webgis/internal/chat"
	"github.com/webgis-ai/webgis/internal/config"
	"github.com/webgis-ai/webgis/internal/dataset"
	"github.com/webgis-ai/webgis/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

type ChatAssistant interface {
	Ask(ctx context.Context, in assistant.AskInput) (assistant.AskResult, error)
	Translate(ctx context.Context, in assistant.AskInput) (string, bool, error)
}

type DatasetRegistrar interface {
	Register(ctx context.Context, in dataset.RegisterInput) (dataset.RegisterResult, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Assistant         ChatAssistant
	Sessions          chat.Store
	Registrar         DatasetRegistrar
	Datasets          dataset.Repository
	// Status and Features are optional; without them status reads as
	// unknown and feature listings come straight from the database.
	Status   dataset.StatusStore
	Features dataset.FeatureCache
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	features := newFeatureReader(deps)
	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/chat/session", func(w http.ResponseWriter, r *http.Request) {
		handleCreateSession(deps, w, r)
	})
	protected.HandleFunc("GET /v1/chat/history/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		handleChatHistory(cfg, deps, w, r)
	})
	protected.HandleFunc("POST /v1/chat/query", func(w http.ResponseWriter, r *http.Request) {
		handleChatQuery(deps, w, r)
	})
	protected.HandleFunc("POST /v1/chat/translate", func(w http.ResponseWriter, r *http.Request) {
		handleChatTranslate(deps, w, r)
	})
	protected.Handle("POST /v1/datasets/register", auth.RequireRole(auth.RoleDatasetAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRegisterDataset(deps, w, r)
	})))
	protected.HandleFunc("GET /v1/datasets", func(w http.ResponseWriter, r *http.Request) {
		handleListDatasets(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasets/{table}/status", func(w http.ResponseWriter, r *http.Request) {
		handleDatasetStatus(deps, w, r)
	})
	protected.HandleFunc("GET /v1/datasets/{table}/data", func(w http.ResponseWriter, r *http.Request) {
		handleDatasetData(deps, features, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for _, pattern := range []string{
		"POST /v1/chat/session",
		"GET /v1/chat/history/{session_id}",
		"POST /v1/chat/query",
		"POST /v1/chat/translate",
		"POST /v1/datasets/register",
		"GET /v1/datasets",
		"GET /v1/datasets/{table}/status",
		"GET /v1/datasets/{table}/data",
	} {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares,
			observability.LoggingMiddleware(deps.Logger),
			observability.RecoverMiddleware(deps.Logger),
		)
	}
	return chain(mux, middlewares...)
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
