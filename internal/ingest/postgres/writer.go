package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/webgis-ai/webgis/internal/dataset"
	"github.com/webgis-ai/webgis/internal/ingest"
)

const geometryColumn = "geometry"

type Writer struct {
	db *sql.DB
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Upsert writes records into table keyed by objectid. Attributes without a
// matching column are dropped.
func (w *Writer) Upsert(ctx context.Context, table string, records []ingest.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := dataset.ValidateTableName(table); err != nil {
		return 0, err
	}
	columns, err := w.tableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	if _, ok := columns["objectid"]; !ok {
		return 0, fmt.Errorf("table %s has no objectid column", table)
	}
	_, hasGeometry := columns[geometryColumn]

	attributeColumns := attributeColumnsFor(records, columns)
	statement := upsertStatement(table, attributeColumns, hasGeometry)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, statement)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert into %s: %w", table, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, record := range records {
		args := make([]any, 0, len(attributeColumns)+2)
		args = append(args, record.ObjectID)
		for _, column := range attributeColumns {
			args = append(args, sqlValue(record.Attributes[column]))
		}
		if hasGeometry {
			args = append(args, record.WKT)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("upsert objectid %v into %s: %w", record.ObjectID, table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert tx: %w", err)
	}
	return len(records), nil
}

func (w *Writer) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := w.db.QueryContext(ctx, `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("describe table %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	columns := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		columns[strings.ToLower(name)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return columns, nil
}

// attributeColumnsFor is the sorted set of attribute names present in the
// page that the table can hold.
func attributeColumnsFor(records []ingest.Record, columns map[string]struct{}) []string {
	seen := map[string]struct{}{}
	for _, record := range records {
		for name := range record.Attributes {
			if name == geometryColumn {
				continue
			}
			if _, ok := columns[name]; ok {
				seen[name] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func upsertStatement(table string, attributeColumns []string, hasGeometry bool) string {
	insertColumns := []string{"objectid"}
	placeholders := []string{"$1"}
	var updates []string
	for i, column := range attributeColumns {
		quoted := quote(column)
		insertColumns = append(insertColumns, quoted)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		updates = append(updates, quoted+" = EXCLUDED."+quoted)
	}
	if hasGeometry {
		insertColumns = append(insertColumns, geometryColumn)
		placeholders = append(placeholders, fmt.Sprintf("ST_GeomFromText($%d, 4326)", len(attributeColumns)+2))
		updates = append(updates, geometryColumn+" = EXCLUDED."+geometryColumn)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (objectid) ",
		quote(table), strings.Join(insertColumns, ", "), strings.Join(placeholders, ", "))
	if len(updates) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(updates, ", "))
	}
	return b.String()
}

func sqlValue(value any) any {
	switch v := value.(type) {
	case nil, string, bool, int64, float64, time.Time:
		return v
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	default:
		return fmt.Sprint(v)
	}
}

func quote(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}
