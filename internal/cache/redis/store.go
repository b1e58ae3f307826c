// Package redis keeps the feature cache and per-table ingestion status in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/webgis-ai/webgis/internal/dataset"
)

const hsetChunk = 500

type Config struct {
	Address  string
	Password string
	DB       int
}

type Store struct {
	client goredis.UniversalClient
}

func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return NewWithClient(goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})), nil
}

func NewWithClient(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func featuresKey(table string) string   { return table + ":all" }
func statusKey(table string) string     { return table + ":ingestion_status" }
func progressKey(table string) string   { return table + ":ingestion_progress" }
func errorKey(table string) string      { return table + ":ingestion_error" }
func lastUpdateKey(table string) string { return table + ":last_update" }

// PutFeatures writes docs into the table's hash, one field per objectid.
func (s *Store) PutFeatures(ctx context.Context, table string, docs []dataset.FeatureDoc) error {
	key := featuresKey(table)
	for start := 0; start < len(docs); start += hsetChunk {
		end := min(start+hsetChunk, len(docs))
		values := make([]any, 0, 2*(end-start))
		for _, doc := range docs[start:end] {
			values = append(values, doc.ObjectID, string(doc.Doc))
		}
		if err := s.client.HSet(ctx, key, values...).Err(); err != nil {
			return fmt.Errorf("cache features for %s: %w", table, err)
		}
	}
	return nil
}

// Features returns the cached docs ordered by objectid; an empty slice means a miss.
func (s *Store) Features(ctx context.Context, table string) ([]dataset.FeatureDoc, error) {
	values, err := s.client.HGetAll(ctx, featuresKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("read cached features for %s: %w", table, err)
	}
	docs := make([]dataset.FeatureDoc, 0, len(values))
	for id, doc := range values {
		docs = append(docs, dataset.FeatureDoc{ObjectID: id, Doc: []byte(doc)})
	}
	sort.Slice(docs, func(i, j int) bool { return lessObjectID(docs[i].ObjectID, docs[j].ObjectID) })
	return docs, nil
}

func (s *Store) SetState(ctx context.Context, table string, state dataset.IngestionState) error {
	return s.set(ctx, statusKey(table), string(state))
}

func (s *Store) SetProgress(ctx context.Context, table string, progress float64) error {
	return s.set(ctx, progressKey(table), strconv.FormatFloat(progress, 'f', 2, 64))
}

func (s *Store) SetError(ctx context.Context, table string, message string) error {
	return s.set(ctx, errorKey(table), message)
}

func (s *Store) SetLastUpdate(ctx context.Context, table string, at time.Time) error {
	return s.set(ctx, lastUpdateKey(table), at.UTC().Format(time.RFC3339))
}

func (s *Store) Status(ctx context.Context, table string) (dataset.IngestionStatus, error) {
	values, err := s.client.MGet(ctx, statusKey(table), progressKey(table), errorKey(table), lastUpdateKey(table)).Result()
	if err != nil {
		return dataset.IngestionStatus{}, fmt.Errorf("read ingestion status for %s: %w", table, err)
	}
	status := dataset.IngestionStatus{State: dataset.StateUnknown}
	if state, ok := values[0].(string); ok && state != "" {
		status.State = dataset.IngestionState(state)
	}
	if progress, ok := values[1].(string); ok {
		if parsed, err := strconv.ParseFloat(progress, 64); err == nil {
			status.Progress = parsed
		}
	}
	if message, ok := values[2].(string); ok {
		status.Error = message
	}
	if raw, ok := values[3].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			status.LastUpdate = &parsed
		}
	}
	return status, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func lessObjectID(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
