package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/webgis-ai/webgis/internal/dataset"
	"github.com/webgis-ai/webgis/internal/ingest"
)

const describeQuery = `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1`

func TestUpsertBuildsStatementFromKnownColumns(t *testing.T) {
	db, mock := newSQLMock(t)
	writer := NewWriter(db)
	installed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(describeQuery)).
		WithArgs("roads").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("objectid").AddRow("street_name").AddRow("install_date").AddRow("geometry"))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(
		`INSERT INTO "roads" (objectid, "install_date", "street_name", geometry) ` +
			`VALUES ($1, $2, $3, ST_GeomFromText($4, 4326)) ON CONFLICT (objectid) ` +
			`DO UPDATE SET "install_date" = EXCLUDED."install_date", "street_name" = EXCLUDED."street_name", geometry = EXCLUDED.geometry`))
	prep.ExpectExec().
		WithArgs(int64(1), installed, "King St", "LINESTRING(1 2, 3 4)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(int64(2), nil, "Queen St", "LINESTRING(5 6, 7 8)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	records := []ingest.Record{
		{ObjectID: int64(1), WKT: "LINESTRING(1 2, 3 4)", Attributes: map[string]any{
			"street_name": "King St", "install_date": installed, "not_a_column": "dropped",
		}},
		{ObjectID: int64(2), WKT: "LINESTRING(5 6, 7 8)", Attributes: map[string]any{
			"street_name": "Queen St",
		}},
	}
	written, err := writer.Upsert(context.Background(), "roads", records)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}
	assertSQLMock(t, mock)
}

func TestUpsertWithoutAttributesDoesNothingOnConflict(t *testing.T) {
	db, mock := newSQLMock(t)
	writer := NewWriter(db)

	mock.ExpectQuery(regexp.QuoteMeta(describeQuery)).
		WithArgs("hydrants").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("objectid"))
	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO "hydrants" (objectid) VALUES ($1) ON CONFLICT (objectid) DO NOTHING`)).
		ExpectExec().
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := writer.Upsert(context.Background(), "hydrants", []ingest.Record{{ObjectID: int64(5), WKT: "POINT(1 2)"}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestUpsertRollsBackOnRowFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	writer := NewWriter(db)

	mock.ExpectQuery(regexp.QuoteMeta(describeQuery)).
		WithArgs("roads").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("objectid").AddRow("geometry"))
	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta(`INSERT INTO "roads"`)).
		ExpectExec().
		WillReturnError(errors.New("invalid geometry"))
	mock.ExpectRollback()

	_, err := writer.Upsert(context.Background(), "roads", []ingest.Record{{ObjectID: int64(1), WKT: "LINESTRING()"}})
	if err == nil {
		t.Fatal("Upsert() expected error")
	}
	assertSQLMock(t, mock)
}

func TestUpsertRequiresObjectIDColumn(t *testing.T) {
	db, mock := newSQLMock(t)
	writer := NewWriter(db)

	mock.ExpectQuery(regexp.QuoteMeta(describeQuery)).
		WithArgs("roads").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id"))

	if _, err := writer.Upsert(context.Background(), "roads", []ingest.Record{{ObjectID: int64(1)}}); err == nil {
		t.Fatal("Upsert() expected error")
	}
	assertSQLMock(t, mock)
}

func TestUpsertRejectsInvalidTableAndSkipsEmptyPages(t *testing.T) {
	db, mock := newSQLMock(t)
	writer := NewWriter(db)

	if n, err := writer.Upsert(context.Background(), "roads", nil); err != nil || n != 0 {
		t.Fatalf("Upsert(nil) = %d, %v", n, err)
	}
	_, err := writer.Upsert(context.Background(), "Roads; --", []ingest.Record{{ObjectID: int64(1)}})
	if !errors.Is(err, dataset.ErrInvalidInput) {
		t.Fatalf("Upsert() error = %v, want ErrInvalidInput", err)
	}
	assertSQLMock(t, mock)
}

func TestSQLValueEncodesNestedValues(t *testing.T) {
	if got := sqlValue(map[string]any{"a": 1}); got != `{"a":1}` {
		t.Fatalf("sqlValue(map) = %v", got)
	}
	if got := sqlValue(int64(3)); got != int64(3) {
		t.Fatalf("sqlValue(int64) = %v", got)
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations not met: %v", err)
	}
}
