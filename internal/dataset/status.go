package dataset

import (
	"context"
	"time"
)

type IngestionState string

const (
	StatePending    IngestionState = "pending"
	StateInProgress IngestionState = "in_progress"
	StateComplete   IngestionState = "complete"
	StateFailed     IngestionState = "failed"
	StateUnknown    IngestionState = "unknown"
)

type IngestionStatus struct {
	State      IngestionState
	Progress   float64
	Error      string
	LastUpdate *time.Time
}

// StatusStore holds the per-table ingestion status. It is a cache: writes are
// best effort and a missing entry reads as StateUnknown.
type StatusStore interface {
	SetState(ctx context.Context, table string, state IngestionState) error
	SetProgress(ctx context.Context, table string, progress float64) error
	SetError(ctx context.Context, table string, message string) error
	SetLastUpdate(ctx context.Context, table string, at time.Time) error
	Status(ctx context.Context, table string) (IngestionStatus, error)
}

// FeatureCache keeps a JSON document per feature of a registered table.
type FeatureCache interface {
	PutFeatures(ctx context.Context, table string, docs []FeatureDoc) error
	Features(ctx context.Context, table string) ([]FeatureDoc, error)
}
