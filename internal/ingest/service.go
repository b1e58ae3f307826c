package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/webgis-ai/webgis/internal/arcgis"
	"github.com/webgis-ai/webgis/internal/dataset"
	"github.com/webgis-ai/webgis/internal/observability"
	"github.com/webgis-ai/webgis/internal/retry"
)

type FeatureSource interface {
	QueryFeatures(ctx context.Context, baseURL string, offset, count int) (arcgis.FeaturePage, error)
	CountFeatures(ctx context.Context, baseURL string) (int, error)
}

// Writer upserts records keyed by objectid and returns how many were written.
type Writer interface {
	Upsert(ctx context.Context, table string, records []Record) (int, error)
}

type Config struct {
	Source FeatureSource
	Writer Writer
	// Registry feeds Preload; Status, Cache and Archive are optional.
	Registry dataset.Repository
	Status   dataset.StatusStore
	Cache    dataset.FeatureCache
	Archive  *Archiver
	Policy   retry.Policy
	Logger   *slog.Logger
}

type Service struct {
	Config

	baseCtx context.Context
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewService binds background runs to base; cancelling it stops them.
func NewService(base context.Context, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{Config: cfg, baseCtx: base, now: time.Now}
}

// Start marks the table pending and ingests it in the background. ctx only
// scopes the pending write; the run itself outlives the request.
func (s *Service) Start(ctx context.Context, reg dataset.Registration) {
	s.setState(ctx, reg.TableName, dataset.StatePending)
	traceID := observability.TraceIDFromContext(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx := observability.ContextWithTraceID(s.baseCtx, traceID)
		if err := s.Run(runCtx, reg); err != nil {
			s.Logger.ErrorContext(runCtx, "ingestion failed",
				slog.String("trace_id", traceID),
				slog.String("table", reg.TableName),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until every started run has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Run pages through the remote layer until a short page, upserting each page
// and recording progress. The final state is complete or failed.
func (s *Service) Run(ctx context.Context, reg dataset.Registration) error {
	defer observability.TrackIngestRun()()
	table := reg.TableName
	logger := s.Logger.With(slog.String("table", table), slog.String("trace_id", observability.TraceIDFromContext(ctx)))

	s.setState(ctx, table, dataset.StateInProgress)
	s.setError(ctx, table, "")

	total, err := s.Source.CountFeatures(ctx, reg.BaseURL)
	if err != nil {
		logger.WarnContext(ctx, "feature count unavailable, progress will not be reported", slog.String("error", err.Error()))
		total = 0
	}

	pageSize := reg.PageSize()
	offset, stored := 0, 0
	for {
		var page arcgis.FeaturePage
		var records []Record
		err := retry.Do(ctx, s.Policy, func(ctx context.Context, attempt int) error {
			fetchedPage, fetchErr := s.Source.QueryFeatures(ctx, reg.BaseURL, offset, pageSize)
			if fetchErr != nil {
				if isClientError(fetchErr) {
					return retry.Permanent(fetchErr)
				}
				return fetchErr
			}
			page = fetchedPage
			records = convertPage(page, reg.GeometryType)
			if len(records) == 0 {
				return nil
			}
			_, writeErr := s.Writer.Upsert(ctx, table, records)
			return writeErr
		}, func(attempt int, delay time.Duration, err error) {
			logger.WarnContext(ctx, "ingestion page failed, retrying",
				slog.Int("offset", offset),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.String("error", err.Error()),
			)
		})
		if err != nil {
			return s.fail(ctx, table, fmt.Errorf("page at offset %d: %w", offset, err))
		}

		fetched := len(page.Features)
		stored += len(records)
		observability.ObserveIngestPage(len(records))
		if skipped := fetched - len(records); skipped > 0 {
			logger.WarnContext(ctx, "features skipped", slog.Int("offset", offset), slog.Int("skipped", skipped))
		}
		if len(records) > 0 {
			s.cachePage(ctx, table, records)
			s.archivePage(ctx, table, offset, records)
		}

		offset += fetched
		if total > 0 {
			s.setProgress(ctx, table, math.Min(99, float64(offset)*100/float64(total)))
		}
		if fetched == 0 || (fetched < pageSize && !page.ExceededTransferLimit) {
			break
		}
	}

	s.setState(ctx, table, dataset.StateComplete)
	s.setProgress(ctx, table, 100)
	s.setLastUpdate(ctx, table, s.now())
	logger.InfoContext(ctx, "ingestion complete", slog.Int("features", stored))
	return nil
}

// Preload fills the feature cache from every registered table.
func (s *Service) Preload(ctx context.Context) error {
	if s.Cache == nil || s.Registry == nil {
		return nil
	}
	regs, err := s.Registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list datasets for preload: %w", err)
	}
	var errs []error
	for _, reg := range regs {
		err := retry.Do(ctx, s.Policy, func(ctx context.Context, attempt int) error {
			docs, err := s.Registry.ListFeatures(ctx, reg.TableName)
			if err != nil {
				return err
			}
			return s.Cache.PutFeatures(ctx, reg.TableName, docs)
		}, nil)
		if err != nil {
			observability.IncrementCacheError("preload")
			errs = append(errs, fmt.Errorf("preload %s: %w", reg.TableName, err))
			continue
		}
		s.Logger.InfoContext(ctx, "feature cache preloaded", slog.String("table", reg.TableName))
	}
	return errors.Join(errs...)
}

func convertPage(page arcgis.FeaturePage, geometryType string) []Record {
	records := make([]Record, 0, len(page.Features))
	for _, feature := range page.Features {
		if record, ok := ConvertFeature(feature, geometryType); ok {
			records = append(records, record)
		}
	}
	return records
}

// isClientError reports remote 4xx answers other than 429.
func isClientError(err error) bool {
	var serviceErr *arcgis.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code >= 400 && serviceErr.Code < 500 && serviceErr.Code != 429
	}
	var statusErr *arcgis.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 && statusErr.StatusCode != 429
	}
	return false
}

func (s *Service) fail(ctx context.Context, table string, err error) error {
	observability.IncrementIngestFailure()
	s.setState(ctx, table, dataset.StateFailed)
	s.setError(ctx, table, err.Error())
	return err
}

func (s *Service) cachePage(ctx context.Context, table string, records []Record) {
	if s.Cache == nil {
		return
	}
	docs := make([]dataset.FeatureDoc, 0, len(records))
	for _, record := range records {
		docs = append(docs, record.CacheDoc())
	}
	if err := s.Cache.PutFeatures(ctx, table, docs); err != nil {
		s.cacheFailed(ctx, "put_features", table, err)
	}
}

func (s *Service) archivePage(ctx context.Context, table string, offset int, records []Record) {
	if s.Archive == nil {
		return
	}
	if _, err := s.Archive.Archive(ctx, table, offset, s.now(), records); err != nil {
		s.Logger.WarnContext(ctx, "page archive failed",
			slog.String("table", table),
			slog.Int("offset", offset),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) setState(ctx context.Context, table string, state dataset.IngestionState) {
	if s.Status == nil {
		return
	}
	if err := s.Status.SetState(ctx, table, state); err != nil {
		s.cacheFailed(ctx, "set_state", table, err)
	}
}

func (s *Service) setProgress(ctx context.Context, table string, progress float64) {
	if s.Status == nil {
		return
	}
	if err := s.Status.SetProgress(ctx, table, progress); err != nil {
		s.cacheFailed(ctx, "set_progress", table, err)
	}
}

func (s *Service) setError(ctx context.Context, table, message string) {
	if s.Status == nil {
		return
	}
	if err := s.Status.SetError(ctx, table, message); err != nil {
		s.cacheFailed(ctx, "set_error", table, err)
	}
}

func (s *Service) setLastUpdate(ctx context.Context, table string, at time.Time) {
	if s.Status == nil {
		return
	}
	if err := s.Status.SetLastUpdate(ctx, table, at); err != nil {
		s.cacheFailed(ctx, "set_last_update", table, err)
	}
}

func (s *Service) cacheFailed(ctx context.Context, op, table string, err error) {
	observability.IncrementCacheError(op)
	s.Logger.WarnContext(ctx, "cache write failed",
		slog.String("op", op),
		slog.String("table", table),
		slog.String("error", err.Error()),
	)
}
