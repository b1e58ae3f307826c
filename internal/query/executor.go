package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/webgis-ai/webgis/internal/observability"
	"github.com/webgis-ai/webgis/internal/sqlsafe"
)

// Executor runs one generated statement. It never returns an error: every
// failure becomes a Failure result.
type Executor struct {
	DB *sql.DB
	// ReadOnlyTx wraps execution in a read-only transaction.
	ReadOnlyTx bool
	Logger     *slog.Logger
}

func (e *Executor) Execute(ctx context.Context, statement string) Result {
	if err := sqlsafe.CheckStatement(statement); err != nil {
		observability.IncrementSQLRejected("execute")
		e.logger().WarnContext(ctx, "statement rejected before execution",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		)
		return Failure{Message: err.Error()}
	}

	rows, err := e.run(ctx, statement)
	if err != nil {
		e.logger().WarnContext(ctx, "statement execution failed",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()),
		)
		return Failure{Message: err.Error()}
	}
	if rows.Len() == 0 {
		return Empty{}
	}
	return rows
}

func (e *Executor) run(ctx context.Context, statement string) (Rows, error) {
	if e.DB == nil {
		return Rows{}, fmt.Errorf("database is not configured")
	}
	if !e.ReadOnlyTx {
		return collect(e.DB.QueryContext(ctx, statement))
	}

	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Rows{}, err
	}
	defer func() { _ = tx.Rollback() }()
	return collect(tx.QueryContext(ctx, statement))
}

func collect(rows *sql.Rows, err error) (Rows, error) {
	if err != nil {
		return Rows{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Rows{}, err
	}
	result := Rows{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return Rows{}, err
		}
		result.Values = append(result.Values, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Rows{}, err
	}
	return result, nil
}

func normalizeValues(values []any) []any {
	for i, value := range values {
		if typed, ok := value.([]byte); ok {
			values[i] = string(typed)
		}
	}
	return values
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
