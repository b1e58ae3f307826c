package featureserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	Address        string
	LayerName      string
	FeatureCount   int
	MaxRecordCount int
	CenterLon      float64
	CenterLat      float64
	Seed           int64
}

func DefaultConfig() Config {
	return Config{
		Address:        ":8090",
		LayerName:      "Hydrants",
		FeatureCount:   2500,
		MaxRecordCount: 1000,
		CenterLon:      -122.6765,
		CenterLat:      45.5231,
		Seed:           time.Now().UTC().UnixNano(),
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	if err := applyString(lookup, "WEBGIS_DEMO_ADDR", &cfg.Address); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "WEBGIS_DEMO_LAYER_NAME", &cfg.LayerName); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "WEBGIS_DEMO_FEATURE_COUNT", &cfg.FeatureCount); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "WEBGIS_DEMO_MAX_RECORD_COUNT", &cfg.MaxRecordCount); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "WEBGIS_DEMO_CENTER_LON", &cfg.CenterLon); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "WEBGIS_DEMO_CENTER_LAT", &cfg.CenterLat); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "WEBGIS_DEMO_SEED", &cfg.Seed); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.Address) == "" {
		return Config{}, fmt.Errorf("WEBGIS_DEMO_ADDR is required")
	}
	if strings.TrimSpace(cfg.LayerName) == "" {
		return Config{}, fmt.Errorf("WEBGIS_DEMO_LAYER_NAME is required")
	}
	if cfg.FeatureCount < 0 {
		return Config{}, fmt.Errorf("WEBGIS_DEMO_FEATURE_COUNT must be >= 0")
	}
	if cfg.MaxRecordCount <= 0 {
		return Config{}, fmt.Errorf("WEBGIS_DEMO_MAX_RECORD_COUNT must be > 0")
	}
	if cfg.CenterLon < -180 || cfg.CenterLon > 180 || cfg.CenterLat < -90 || cfg.CenterLat > 90 {
		return Config{}, fmt.Errorf("WEBGIS_DEMO_CENTER_LON/LAT must be valid WGS84 coordinates")
	}
	return cfg, nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
