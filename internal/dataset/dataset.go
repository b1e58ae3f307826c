// Package dataset registers remote feature layers as local tables and tracks
// their ingestion state.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/webgis-ai/webgis/internal/arcgis"
	"github.com/webgis-ai/webgis/internal/migrations"
)

var (
	ErrNotFound        = errors.New("dataset: not found")
	ErrInvalidMetadata = errors.New("dataset: invalid server metadata")
	ErrInvalidInput    = errors.New("dataset: invalid input")
	ErrTableConflict   = errors.New("dataset: table already exists")
)

// DefaultMaxRecordCount is the page size used when a layer does not advertise one.
const DefaultMaxRecordCount = 2000

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

var reservedTables = map[string]struct{}{
	"water_mains":     {},
	"chat_sessions":   {},
	"chat_messages":   {},
	"dataset_configs": {},
	"spatial_ref_sys": {},
	migrations.Table:  {},
}

// GeneratedSchema is what the registrar stored for a dataset's table.
type GeneratedSchema struct {
	SQL          string         `json:"sql_schema"`
	Fields       []arcgis.Field `json:"fields"`
	GeometryType string         `json:"geometry_type"`
}

type Registration struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	BaseURL        string          `json:"base_url"`
	TableName      string          `json:"table_name"`
	GeometryType   string          `json:"geometry_type"`
	DisplayField   string          `json:"display_field,omitempty"`
	Description    string          `json:"description,omitempty"`
	MinScale       *float64        `json:"min_scale,omitempty"`
	MaxScale       *float64        `json:"max_scale,omitempty"`
	MaxRecordCount int             `json:"max_record_count"`
	Schema         GeneratedSchema `json:"schema"`
	ServerMetadata json.RawMessage `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PageSize is the resultRecordCount used when paging the remote layer.
func (r Registration) PageSize() int {
	if r.MaxRecordCount > 0 {
		return r.MaxRecordCount
	}
	return DefaultMaxRecordCount
}

type CreateInput struct {
	Registration Registration
	// DDL is the validated CREATE TABLE statement for Registration.TableName.
	DDL string
}

// FeatureDoc is one cached feature keyed by its objectid.
type FeatureDoc struct {
	ObjectID string
	Doc      json.RawMessage
}

// Repository is the dataset registry plus read access to registered tables.
type Repository interface {
	// Create inserts the registration and creates its table atomically.
	Create(ctx context.Context, in CreateInput) (Registration, error)
	List(ctx context.Context) ([]Registration, error)
	GetByTable(ctx context.Context, table string) (Registration, error)
	CountRows(ctx context.Context, table string) (int64, error)
	ListFeatures(ctx context.Context, table string) ([]FeatureDoc, error)
}

// ValidateTableName checks the name is a plain lower-case identifier that does
// not shadow a system table.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: table name %q must match %s", ErrInvalidInput, name, tableNamePattern.String())
	}
	if _, ok := reservedTables[name]; ok {
		return fmt.Errorf("%w: %q is reserved", ErrTableConflict, name)
	}
	return nil
}

var createTableName = regexp.MustCompile(`(?i)(CREATE\s+TABLE\s+IF\s+NOT\s+EXISTS\s+)([^\s(]+)(\s*\()`)

// UnifyTableName replaces the table name of the first CREATE TABLE IF NOT
// EXISTS statement in ddl. Later statements are left alone.
func UnifyTableName(ddl, table string) string {
	loc := createTableName.FindStringSubmatchIndex(ddl)
	if loc == nil {
		return ddl
	}
	return ddl[:loc[4]] + table + ddl[loc[5]:]
}
