package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/webgis-ai/webgis/internal/storage"
)

const parquetContentType = "application/vnd.apache.parquet"

type parquetFeature struct {
	ObjectID        string `parquet:"objectid"`
	GeometryWKT     string `parquet:"geometry_wkt"`
	AttributesJSON  string `parquet:"attributes_json"`
	FetchedAtUnixMs int64  `parquet:"fetched_at_unix_ms"`
}

// EncodePage writes records as one Parquet file.
func EncodePage(records []Record, fetchedAt time.Time) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records are required")
	}
	rows := make([]parquetFeature, 0, len(records))
	for _, record := range records {
		attributes, err := json.Marshal(record.Attributes)
		if err != nil {
			return nil, fmt.Errorf("encode attributes of %v: %w", record.ObjectID, err)
		}
		rows = append(rows, parquetFeature{
			ObjectID:        fmt.Sprint(record.ObjectID),
			GeometryWKT:     record.WKT,
			AttributesJSON:  string(attributes),
			FetchedAtUnixMs: fetchedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetFeature](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Archiver stores every fetched page in object storage.
type Archiver struct {
	Store storage.ObjectStore
}

func (a *Archiver) Archive(ctx context.Context, table string, offset int, fetchedAt time.Time, records []Record) (string, error) {
	key, err := storage.BuildPagePath(table, fetchedAt, offset)
	if err != nil {
		return "", err
	}
	data, err := EncodePage(records, fetchedAt)
	if err != nil {
		return "", err
	}
	opts := storage.PutOptions{
		ContentType: parquetContentType,
		Metadata: map[string]string{
			"table":      table,
			"offset":     strconv.Itoa(offset),
			"features":   strconv.Itoa(len(records)),
			"fetched-at": fetchedAt.UTC().Format(time.RFC3339),
		},
	}
	if _, err := a.Store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("archive page %s: %w", key, err)
	}
	return key, nil
}
