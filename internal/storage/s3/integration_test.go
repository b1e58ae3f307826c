//go:build integration

package s3

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/webgis-ai/webgis/internal/storage"
)

func TestStoreArchivesPageAgainstMinIO(t *testing.T) {
	endpoint := envOr("WEBGIS_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("WEBGIS_TEST_S3_ENDPOINT is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, Config{
		Endpoint:         endpoint,
		Region:           envOr("WEBGIS_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("WEBGIS_TEST_S3_BUCKET", "webgis-it"),
		AccessKeyID:      envOr("WEBGIS_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("WEBGIS_TEST_S3_SECRET_KEY", "miniostorage"),
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key, err := storage.BuildPagePath("roads", time.Now(), 0)
	if err != nil {
		t.Fatalf("BuildPagePath() error = %v", err)
	}
	payload := []byte("PAR1-not-really")
	info, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"table": "roads", "offset": "0"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("Put().Size = %d, want %d", info.Size, len(payload))
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
