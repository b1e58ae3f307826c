package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

const layerMetadata = `{
  "name": "Roads",
  "geometryType": "esriGeometryPolyline",
  "displayField": "street_name",
  "description": "City road segments",
  "minScale": 0,
  "maxScale": 0,
  "maxRecordCount": 1000,
  "fields": [
    {"name": "OBJECTID", "type": "esriFieldTypeOID", "alias": "OBJECTID"},
    {"name": "street_name", "type": "esriFieldTypeString", "length": 120}
  ]
}`

func TestFetchMetadataDecodesLayer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/arcgis/rest/services/Roads/FeatureServer/0" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("f"); got != "pjson" {
			t.Fatalf("f = %q, want pjson", got)
		}
		_, _ = w.Write([]byte(layerMetadata))
	}))
	defer server.Close()

	client := NewClient(server.Client(), nil)
	metadata, err := client.FetchMetadata(context.Background(), server.URL+"/arcgis/rest/services/Roads/FeatureServer/0")
	if err != nil {
		t.Fatalf("FetchMetadata() error = %v", err)
	}
	if metadata.Name != "Roads" || metadata.GeometryType != "esriGeometryPolyline" {
		t.Fatalf("metadata = %+v", metadata)
	}
	if len(metadata.Fields) != 2 || metadata.Fields[1].Length != 120 {
		t.Fatalf("fields = %+v", metadata.Fields)
	}
	if metadata.MaxRecordCount != 1000 || metadata.DisplayField != "street_name" {
		t.Fatalf("metadata = %+v", metadata)
	}
	if metadata.MinScale == nil || *metadata.MinScale != 0 {
		t.Fatalf("MinScale = %v", metadata.MinScale)
	}
	if !json.Valid(metadata.Raw) {
		t.Fatalf("Raw is not valid JSON: %s", metadata.Raw)
	}
}

func TestFetchMetadataRejectsMissingRequiredKeys(t *testing.T) {
	bodies := []string{
		`{"geometryType":"esriGeometryPoint","fields":[]}`,
		`{"name":"Hydrants","fields":[]}`,
		`{"name":"Hydrants","geometryType":"esriGeometryPoint"}`,
		`not json`,
	}
	for _, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		_, err := NewClient(server.Client(), nil).FetchMetadata(context.Background(), server.URL)
		server.Close()
		if !errors.Is(err, ErrInvalidMetadata) {
			t.Fatalf("FetchMetadata(%s) error = %v, want ErrInvalidMetadata", body, err)
		}
	}
}

func TestFetchMetadataRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/layer", "not a url"} {
		if _, err := NewClient(nil, nil).FetchMetadata(context.Background(), raw); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("FetchMetadata(%q) error = %v, want ErrInvalidURL", raw, err)
		}
	}
}

func TestQueryFeaturesSendsPagingParameters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/layer/0/query" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		want := map[string]string{
			"where":             "1=1",
			"outFields":         "*",
			"returnGeometry":    "true",
			"outSR":             "4326",
			"f":                 "json",
			"resultOffset":      "200",
			"resultRecordCount": "100",
		}
		for key, value := range want {
			if got := q.Get(key); got != value {
				t.Fatalf("%s = %q, want %q", key, got, value)
			}
		}
		_, _ = w.Write([]byte(`{"features":[{"attributes":{"OBJECTID":7,"INSTALL_DATE":1577836800000},"geometry":{"paths":[[[-79.4,43.6],[-79.5,43.7]]]}}]}`))
	}))
	defer server.Close()

	page, err := NewClient(server.Client(), nil).QueryFeatures(context.Background(), server.URL+"/layer/0/", 200, 100)
	if err != nil {
		t.Fatalf("QueryFeatures() error = %v", err)
	}
	if len(page.Features) != 1 {
		t.Fatalf("features = %d, want 1", len(page.Features))
	}
	feature := page.Features[0]
	if id, ok := feature.Attributes["OBJECTID"].(json.Number); !ok || id.String() != "7" {
		t.Fatalf("OBJECTID = %#v", feature.Attributes["OBJECTID"])
	}
	wkt, ok := feature.Geometry.WKT("esriGeometryPolyline")
	if !ok || wkt != "LINESTRING(-79.4 43.6, -79.5 43.7)" {
		t.Fatalf("WKT() = %q, %v", wkt, ok)
	}
}

func TestQueryFeaturesSurfacesServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Invalid query","details":["bad where"]}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.Client(), nil).QueryFeatures(context.Background(), server.URL, 0, 10)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("QueryFeatures() error = %v, want *ServiceError", err)
	}
	if serviceErr.Code != 400 || serviceErr.Message != "Invalid query" {
		t.Fatalf("service error = %+v", serviceErr)
	}
}

func TestQueryFeaturesSurfacesHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.Client(), nil).QueryFeatures(context.Background(), server.URL, 0, 10)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("QueryFeatures() error = %v, want 502 StatusError", err)
	}
}

func TestQueryFeaturesRejectsInvalidPage(t *testing.T) {
	if _, err := NewClient(nil, nil).QueryFeatures(context.Background(), "http://example.com", -1, 10); err == nil {
		t.Fatal("expected error for negative offset")
	}
	if _, err := NewClient(nil, nil).QueryFeatures(context.Background(), "http://example.com", 0, 0); err == nil {
		t.Fatal("expected error for zero count")
	}
}

func TestCountFeatures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("returnCountOnly") != "true" {
			t.Fatalf("returnCountOnly = %q", r.URL.Query().Get("returnCountOnly"))
		}
		_, _ = w.Write([]byte(`{"count":4321}`))
	}))
	defer server.Close()

	count, err := NewClient(server.Client(), NewLimiter(100)).CountFeatures(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("CountFeatures() error = %v", err)
	}
	if count != 4321 {
		t.Fatalf("count = %d, want 4321", count)
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	limiter := NewLimiter(0.001)
	limiter.Allow()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(nil, limiter)
	if _, err := client.CountFeatures(ctx, "http://example.invalid/layer"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestNewLimiter(t *testing.T) {
	if NewLimiter(0) != nil {
		t.Fatal("NewLimiter(0) should be nil")
	}
	if limiter := NewLimiter(0.5); limiter == nil || limiter.Burst() != 1 {
		t.Fatalf("NewLimiter(0.5) = %+v", limiter)
	}
}
