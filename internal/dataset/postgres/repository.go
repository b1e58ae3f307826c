package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/webgis-ai/webgis/internal/dataset"
	"github.com/webgis-ai/webgis/internal/nl2sql"
)

const uniqueViolation = "23505"

const registrationColumns = `id, name, base_url, table_name, geometry_type, server_metadata, generated_schema,
       display_field, description, min_scale, max_scale, max_record_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping dataset db: %w", err)
	}
	return nil
}

// Create inserts the registry row, creates the table and its objectid unique
// index in one transaction.
func (r *Repository) Create(ctx context.Context, in dataset.CreateInput) (dataset.Registration, error) {
	reg := in.Registration
	if err := dataset.ValidateTableName(reg.TableName); err != nil {
		return dataset.Registration{}, err
	}
	schema, err := json.Marshal(reg.Schema)
	if err != nil {
		return dataset.Registration{}, fmt.Errorf("encode generated schema: %w", err)
	}
	metadata := []byte(reg.ServerMetadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dataset.Registration{}, fmt.Errorf("begin register dataset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, reg.TableName).Scan(&exists); err != nil {
		return dataset.Registration{}, fmt.Errorf("check table %s: %w", reg.TableName, err)
	}
	if exists {
		return dataset.Registration{}, fmt.Errorf("%w: %s", dataset.ErrTableConflict, reg.TableName)
	}

	query := `
INSERT INTO dataset_configs (
    name, base_url, table_name, geometry_type, server_metadata, generated_schema,
    display_field, description, min_scale, max_scale, max_record_count
)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11)
RETURNING id, created_at`
	err = tx.QueryRowContext(ctx, query,
		reg.Name, reg.BaseURL, reg.TableName, reg.GeometryType, string(metadata), string(schema),
		nullString(reg.DisplayField), nullString(reg.Description), nullFloat(reg.MinScale), nullFloat(reg.MaxScale),
		reg.PageSize(),
	).Scan(&reg.ID, &reg.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return dataset.Registration{}, fmt.Errorf("%w: %s", dataset.ErrTableConflict, reg.TableName)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return dataset.Registration{}, fmt.Errorf("insert dataset config: no id returned")
		}
		return dataset.Registration{}, fmt.Errorf("insert dataset config: %w", err)
	}

	if _, err := tx.ExecContext(ctx, in.DDL); err != nil {
		return dataset.Registration{}, fmt.Errorf("create table %s: %w", reg.TableName, err)
	}
	if _, err := tx.ExecContext(ctx, objectIDIndexDDL(reg.TableName)); err != nil {
		return dataset.Registration{}, fmt.Errorf("create objectid index on %s: %w", reg.TableName, err)
	}
	if err := tx.Commit(); err != nil {
		return dataset.Registration{}, fmt.Errorf("commit register dataset tx: %w", err)
	}
	reg.MaxRecordCount = reg.PageSize()
	return reg, nil
}

func (r *Repository) List(ctx context.Context) ([]dataset.Registration, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+registrationColumns+` FROM dataset_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []dataset.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datasets: %w", err)
	}
	return out, nil
}

func (r *Repository) GetByTable(ctx context.Context, table string) (dataset.Registration, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM dataset_configs WHERE table_name = $1`, table)
	reg, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dataset.Registration{}, dataset.ErrNotFound
		}
		return dataset.Registration{}, err
	}
	return reg, nil
}

func (r *Repository) CountRows(ctx context.Context, table string) (int64, error) {
	if err := dataset.ValidateTableName(table); err != nil {
		return 0, err
	}
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quote(table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	return count, nil
}

// ListFeatures renders every row as a GeoJSON Feature.
func (r *Repository) ListFeatures(ctx context.Context, table string) ([]dataset.FeatureDoc, error) {
	if err := dataset.ValidateTableName(table); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT t.objectid::text, ST_AsGeoJSON(t.*)::text FROM `+quote(table)+` t ORDER BY t.objectid`)
	if err != nil {
		return nil, fmt.Errorf("list features in %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var docs []dataset.FeatureDoc
	for rows.Next() {
		var (
			objectID string
			doc      string
		)
		if err := rows.Scan(&objectID, &doc); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		docs = append(docs, dataset.FeatureDoc{ObjectID: objectID, Doc: json.RawMessage(doc)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate features: %w", err)
	}
	return docs, nil
}

// TableSchemas exposes the registry to the SQL generator's schema descriptor.
func (r *Repository) TableSchemas(ctx context.Context) ([]nl2sql.TableSchema, error) {
	regs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]nl2sql.TableSchema, 0, len(regs))
	for _, reg := range regs {
		out = append(out, nl2sql.TableSchema{
			Table:       reg.TableName,
			Name:        reg.Name,
			Description: reg.Description,
			DDL:         reg.Schema.SQL,
		})
	}
	return out, nil
}

func scanRegistration(row rowScanner) (dataset.Registration, error) {
	var (
		reg          dataset.Registration
		metadata     []byte
		schema       string
		displayField sql.NullString
		description  sql.NullString
		minScale     sql.NullFloat64
		maxScale     sql.NullFloat64
	)
	if err := row.Scan(
		&reg.ID, &reg.Name, &reg.BaseURL, &reg.TableName, &reg.GeometryType, &metadata, &schema,
		&displayField, &description, &minScale, &maxScale, &reg.MaxRecordCount, &reg.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dataset.Registration{}, err
		}
		return dataset.Registration{}, fmt.Errorf("scan dataset config: %w", err)
	}
	reg.ServerMetadata = json.RawMessage(metadata)
	reg.DisplayField = displayField.String
	reg.Description = description.String
	if minScale.Valid {
		reg.MinScale = &minScale.Float64
	}
	if maxScale.Valid {
		reg.MaxScale = &maxScale.Float64
	}
	if err := json.Unmarshal([]byte(schema), &reg.Schema); err != nil {
		// Rows written by hand may hold the bare statement.
		reg.Schema = dataset.GeneratedSchema{SQL: schema, GeometryType: reg.GeometryType}
	}
	return reg, nil
}

func objectIDIndexDDL(table string) string {
	return `CREATE UNIQUE INDEX IF NOT EXISTS ` + quote(table+"_objectid_key") + ` ON ` + quote(table) + ` (objectid)`
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}
