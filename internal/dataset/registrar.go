package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/webgis-ai/webgis/internal/arcgis"
	"github.com/webgis-ai/webgis/internal/chat"
	"github.com/webgis-ai/webgis/internal/observability"
	"github.com/webgis-ai/webgis/internal/sqlsafe"
)

type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, baseURL string) (arcgis.Metadata, error)
}

// IngestionStarter marks a table pending and loads it in the background.
type IngestionStarter interface {
	Start(ctx context.Context, reg Registration)
}

type RegisterInput struct {
	Name      string
	BaseURL   string
	TableName string
	// SessionID receives the system notification; a missing or unknown id
	// gets a fresh session.
	SessionID string
	// UserID owns a session created during registration.
	UserID string
}

type RegisterResult struct {
	Registration Registration
	SessionID    string
}

type Registrar struct {
	Metadata  MetadataFetcher
	Schema    *SchemaGenerator
	Repo      Repository
	Sessions  chat.Store
	Ingestion IngestionStarter
	Logger    *slog.Logger
}

func (r *Registrar) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	result, err := r.register(ctx, in)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.IncrementDatasetRegistration(outcome)
	return result, err
}

func (r *Registrar) register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.BaseURL = strings.TrimRight(strings.TrimSpace(in.BaseURL), "/")
	in.TableName = strings.TrimSpace(in.TableName)
	if in.Name == "" || in.BaseURL == "" {
		return RegisterResult{}, fmt.Errorf("%w: name and base_url are required", ErrInvalidInput)
	}
	if err := ValidateTableName(in.TableName); err != nil {
		return RegisterResult{}, err
	}
	logger := r.logger().With(
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("table", in.TableName),
	)

	metadata, err := r.Metadata.FetchMetadata(ctx, in.BaseURL)
	if err != nil {
		if errors.Is(err, arcgis.ErrInvalidMetadata) || errors.Is(err, arcgis.ErrInvalidURL) {
			return RegisterResult{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		return RegisterResult{}, fmt.Errorf("fetch server metadata: %w", err)
	}

	ddl, err := r.Schema.Generate(ctx, metadata)
	if err != nil {
		return RegisterResult{}, err
	}
	ddl = UnifyTableName(ddl, in.TableName)
	table, err := sqlsafe.ValidateCreateTable(ddl)
	if err != nil {
		logger.WarnContext(ctx, "generated table definition rejected",
			slog.String("ddl", ddl),
			slog.String("error", err.Error()),
		)
		observability.IncrementSQLRejected("ddl")
		return RegisterResult{}, fmt.Errorf("validate generated schema: %w", err)
	}
	if table.Name != in.TableName {
		return RegisterResult{}, fmt.Errorf("validate generated schema: %w: table %q, want %q", sqlsafe.ErrUnsafeDDL, table.Name, in.TableName)
	}

	maxRecordCount := metadata.MaxRecordCount
	if maxRecordCount <= 0 {
		maxRecordCount = DefaultMaxRecordCount
	}
	reg, err := r.Repo.Create(ctx, CreateInput{
		Registration: Registration{
			Name:           in.Name,
			BaseURL:        in.BaseURL,
			TableName:      in.TableName,
			GeometryType:   metadata.GeometryType,
			DisplayField:   metadata.DisplayField,
			Description:    metadata.Description,
			MinScale:       metadata.MinScale,
			MaxScale:       metadata.MaxScale,
			MaxRecordCount: maxRecordCount,
			Schema: GeneratedSchema{
				SQL:          table.Statement,
				Fields:       metadata.Fields,
				GeometryType: metadata.GeometryType,
			},
			ServerMetadata: metadata.Raw,
		},
		DDL: table.Statement,
	})
	if err != nil {
		return RegisterResult{}, err
	}
	logger.InfoContext(ctx, "dataset registered",
		slog.Int64("dataset_id", reg.ID),
		slog.String("name", reg.Name),
		slog.String("geometry_type", reg.GeometryType),
	)

	sessionID, err := r.resolveSession(ctx, in)
	if err != nil {
		logger.WarnContext(ctx, "dataset notification session unavailable", slog.String("error", err.Error()))
	} else if _, err := r.Sessions.AppendMessage(ctx, chat.AppendMessageInput{
		SessionID: sessionID,
		Type:      chat.MessageSystem,
		Content:   notificationMessage(reg),
	}); err != nil {
		logger.WarnContext(ctx, "dataset notification not stored",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	if r.Ingestion != nil {
		r.Ingestion.Start(ctx, reg)
	}
	return RegisterResult{Registration: reg, SessionID: sessionID}, nil
}

func (r *Registrar) resolveSession(ctx context.Context, in RegisterInput) (string, error) {
	if id := strings.TrimSpace(in.SessionID); id != "" {
		session, err := r.Sessions.GetSession(ctx, id)
		if err == nil {
			return session.ID, nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return "", fmt.Errorf("load session: %w", err)
		}
	}
	session, err := r.Sessions.CreateSession(ctx, chat.CreateSessionInput{UserID: in.UserID})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return session.ID, nil
}

func (r *Registrar) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
