package featureserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/webgis-ai/webgis/internal/arcgis"
)

// LayerPath is where the single demo layer is served.
const LayerPath = "/arcgis/rest/services/Demo/FeatureServer/0"

type Server struct {
	cfg      Config
	log      *slog.Logger
	features []arcgis.Feature
}

func NewServer(cfg Config, logger *slog.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.LayerName) == "" {
		return nil, fmt.Errorf("layer name is required")
	}
	if cfg.MaxRecordCount <= 0 {
		return nil, fmt.Errorf("max record count must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	generator := NewGenerator(cfg.Seed, cfg.CenterLon, cfg.CenterLat)
	return &Server{cfg: cfg, log: logger, features: generator.Features(cfg.FeatureCount)}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+LayerPath, s.handleMetadata)
	mux.HandleFunc("GET "+LayerPath+"/query", s.handleQuery)
	return mux
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, arcgis.Metadata{
		Name:           s.cfg.LayerName,
		GeometryType:   "esriGeometryPoint",
		Fields:         layerFields,
		DisplayField:   "HYDRANT_ID",
		Description:    "Synthetic fire hydrant inventory",
		MaxRecordCount: s.cfg.MaxRecordCount,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if strings.EqualFold(params.Get("returnCountOnly"), "true") {
		writeJSON(w, map[string]int{"count": len(s.features)})
		return
	}

	offset, err := intParam(params.Get("resultOffset"), 0)
	if err != nil || offset < 0 {
		writeServiceError(w, 400, "Invalid resultOffset")
		return
	}
	count, err := intParam(params.Get("resultRecordCount"), s.cfg.MaxRecordCount)
	if err != nil || count <= 0 {
		writeServiceError(w, 400, "Invalid resultRecordCount")
		return
	}
	count = min(count, s.cfg.MaxRecordCount)

	start := min(offset, len(s.features))
	end := min(start+count, len(s.features))
	page := arcgis.FeaturePage{
		Features:              s.features[start:end],
		ExceededTransferLimit: end < len(s.features),
	}
	s.log.Debug("served feature page", slog.Int("offset", offset), slog.Int("count", end-start))
	writeJSON(w, page)
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// Feature services report errors in a 200 body.
func writeServiceError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, map[string]arcgis.ServiceError{
		"error": {Code: code, Message: message, Details: []string{}},
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
