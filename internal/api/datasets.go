package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/webgis-ai/webgis/internal/auth"
	"github.com/webgis-ai/webgis/internal/dataset"
	"github.com/webgis-ai/webgis/internal/observability"
)

type registerDatasetRequest struct {
	Name      string `json:"name" validate:"required,notblank,max=255"`
	BaseURL   string `json:"base_url" validate:"required,url,max=2048"`
	TableName string `json:"table_name" validate:"required,notblank,max=63"`
	SessionID string `json:"session_id" validate:"max=64"`
}

type registerDatasetResponse struct {
	dataset.Registration
	SessionID string `json:"session_id"`
}

type datasetStatusResponse struct {
	Status       dataset.IngestionState `json:"status"`
	Progress     float64                `json:"progress"`
	TableName    string                 `json:"table_name"`
	RecordCount  *int64                 `json:"record_count"`
	LastUpdate   *time.Time             `json:"last_update"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	GeometryType string                 `json:"geometry_type"`
	DisplayField string                 `json:"display_field,omitempty"`
	Description  string                 `json:"description,omitempty"`
}

func handleRegisterDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registrar == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset registrar is not configured", false, nil)
		return
	}

	var req registerDatasetRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid register dataset request", false, map[string]any{"details": err.Error()})
		return
	}

	result, err := deps.Registrar.Register(r.Context(), dataset.RegisterInput{
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		TableName: req.TableName,
		SessionID: req.SessionID,
		UserID:    subjectFromRequest(r),
	})
	if err != nil {
		extra := map[string]any{"table_name": req.TableName, "details": err.Error()}
		switch {
		case errors.Is(err, dataset.ErrInvalidInput):
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid dataset registration", false, extra)
		case errors.Is(err, dataset.ErrInvalidMetadata):
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_SERVER_METADATA", "feature service metadata is missing required keys", false, extra)
		case errors.Is(err, dataset.ErrTableConflict):
			writeError(r.Context(), w, http.StatusConflict, "TABLE_CONFLICT", "table name is reserved or already registered", false, extra)
		default:
			writeError(r.Context(), w, http.StatusInternalServerError, "DATASET_REGISTRATION_FAILED", "failed to register dataset", true, extra)
		}
		return
	}
	writeJSON(w, http.StatusCreated, registerDatasetResponse{
		Registration: result.Registration,
		SessionID:    result.SessionID,
	})
}

func handleListDatasets(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset registry is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleChatUser, auth.RoleDatasetAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	regs, err := deps.Datasets.List(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "REGISTRY_ERROR", "failed to list datasets", true, map[string]any{"details": err.Error()})
		return
	}
	if regs == nil {
		regs = []dataset.Registration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": regs})
}

func handleDatasetStatus(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	reg, ok := lookupDataset(deps, w, r)
	if !ok {
		return
	}

	status := dataset.IngestionStatus{State: dataset.StateUnknown}
	if deps.Status != nil {
		current, err := deps.Status.Status(r.Context(), reg.TableName)
		if err != nil {
			observability.IncrementCacheError("status")
			logWarn(deps, r, "ingestion status unavailable", reg.TableName, err)
		} else {
			status = current
		}
	}

	response := datasetStatusResponse{
		Status:       status.State,
		Progress:     status.Progress,
		TableName:    reg.TableName,
		LastUpdate:   status.LastUpdate,
		ErrorMessage: status.Error,
		GeometryType: reg.GeometryType,
		DisplayField: reg.DisplayField,
		Description:  reg.Description,
	}
	if count, err := deps.Datasets.CountRows(r.Context(), reg.TableName); err != nil {
		logWarn(deps, r, "record count unavailable", reg.TableName, err)
	} else {
		response.RecordCount = &count
	}
	writeJSON(w, http.StatusOK, response)
}

func handleDatasetData(deps Dependencies, features *featureReader, w http.ResponseWriter, r *http.Request) {
	reg, ok := lookupDataset(deps, w, r)
	if !ok {
		return
	}
	docs, err := features.Features(r.Context(), reg.TableName)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "FEATURES_UNAVAILABLE", "failed to load features", true, map[string]any{"table_name": reg.TableName, "details": err.Error()})
		return
	}
	items := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc.Doc)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":       "FeatureCollection",
		"table_name": reg.TableName,
		"features":   items,
	})
}

func lookupDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) (dataset.Registration, bool) {
	if deps.Datasets == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset registry is not configured", false, nil)
		return dataset.Registration{}, false
	}
	if err := requireAnyRole(r, auth.RoleChatUser, auth.RoleDatasetAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return dataset.Registration{}, false
	}
	table := strings.TrimSpace(r.PathValue("table"))
	reg, err := deps.Datasets.GetByTable(r.Context(), table)
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset not found", false, map[string]any{"table_name": table})
			return dataset.Registration{}, false
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "REGISTRY_ERROR", "failed to load dataset", true, map[string]any{"details": err.Error()})
		return dataset.Registration{}, false
	}
	return reg, true
}

// featureReader serves feature listings from the cache and fills a missing
// table from the database once, however many requests miss concurrently.
type featureReader struct {
	cache  dataset.FeatureCache
	source dataset.Repository
	logger *slog.Logger
	fills  singleflight.Group
}

func newFeatureReader(deps Dependencies) *featureReader {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &featureReader{cache: deps.Features, source: deps.Datasets, logger: logger}
}

func (f *featureReader) Features(ctx context.Context, table string) ([]dataset.FeatureDoc, error) {
	if f.cache != nil {
		docs, err := f.cache.Features(ctx, table)
		if err == nil && len(docs) > 0 {
			return docs, nil
		}
		if err != nil {
			observability.IncrementCacheError("features")
			f.logger.WarnContext(ctx, "feature cache read failed",
				slog.String("trace_id", observability.TraceIDFromContext(ctx)),
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
		}
	}

	value, err, _ := f.fills.Do(table, func() (any, error) {
		docs, err := f.source.ListFeatures(ctx, table)
		if err != nil {
			return nil, err
		}
		if f.cache != nil && len(docs) > 0 {
			if err := f.cache.PutFeatures(ctx, table, docs); err != nil {
				observability.IncrementCacheError("put_features")
				f.logger.WarnContext(ctx, "feature cache fill failed",
					slog.String("table", table),
					slog.String("error", err.Error()),
				)
			}
		}
		return docs, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]dataset.FeatureDoc), nil
}

func logWarn(deps Dependencies, r *http.Request, message, table string, err error) {
	if deps.Logger == nil {
		return
	}
	deps.Logger.WarnContext(r.Context(), message,
		slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
		slog.String("table", table),
		slog.String("error", err.Error()),
	)
}
