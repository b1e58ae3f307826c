package arcgis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

var (
	ErrInvalidMetadata = errors.New("invalid feature service metadata")
	ErrInvalidURL      = errors.New("invalid feature service url")
)

const maxResponseBytes = 64 << 20

var requiredMetadataKeys = []string{"name", "geometryType", "fields"}

type Field struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Alias  string `json:"alias,omitempty"`
	Length int    `json:"length,omitempty"`
}

// Metadata is the layer description served at <base>?f=pjson.
type Metadata struct {
	Name           string          `json:"name"`
	GeometryType   string          `json:"geometryType"`
	Fields         []Field         `json:"fields"`
	DisplayField   string          `json:"displayField"`
	Description    string          `json:"description"`
	MinScale       *float64        `json:"minScale"`
	MaxScale       *float64        `json:"maxScale"`
	MaxRecordCount int             `json:"maxRecordCount"`
	Raw            json.RawMessage `json:"-"`
}

type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry,omitempty"`
}

type FeaturePage struct {
	Features              []Feature `json:"features"`
	ExceededTransferLimit bool      `json:"exceededTransferLimit"`
}

// ServiceError is the {"error":{...}} body feature services return with HTTP 200.
type ServiceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *ServiceError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("feature service error %d: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("feature service error %d: %s", e.Code, e.Message)
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feature service returned status %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client; a nil limiter means requests are not throttled.
func NewClient(httpClient *http.Client, limiter *rate.Limiter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, limiter: limiter}
}

// NewLimiter returns nil for non-positive rates.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *Client) FetchMetadata(ctx context.Context, baseURL string) (Metadata, error) {
	endpoint, err := buildURL(baseURL, "", url.Values{"f": {"pjson"}})
	if err != nil {
		return Metadata{}, err
	}
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch metadata: %w", err)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return Metadata{}, fmt.Errorf("%w: decode: %v", ErrInvalidMetadata, err)
	}
	if raw, ok := keys["error"]; ok {
		return Metadata{}, decodeServiceError(raw)
	}
	for _, key := range requiredMetadataKeys {
		if _, ok := keys[key]; !ok {
			return Metadata{}, fmt.Errorf("%w: missing %q", ErrInvalidMetadata, key)
		}
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("%w: decode: %v", ErrInvalidMetadata, err)
	}
	if strings.TrimSpace(metadata.Name) == "" || strings.TrimSpace(metadata.GeometryType) == "" {
		return Metadata{}, fmt.Errorf("%w: name and geometryType must be non-empty", ErrInvalidMetadata)
	}
	metadata.Raw = json.RawMessage(body)
	return metadata, nil
}

// QueryFeatures fetches one page of features in WGS84 starting at offset.
func (c *Client) QueryFeatures(ctx context.Context, baseURL string, offset, count int) (FeaturePage, error) {
	if offset < 0 || count <= 0 {
		return FeaturePage{}, fmt.Errorf("invalid page offset=%d count=%d", offset, count)
	}
	endpoint, err := buildURL(baseURL, "query", url.Values{
		"where":             {"1=1"},
		"outFields":         {"*"},
		"returnGeometry":    {"true"},
		"outSR":             {"4326"},
		"f":                 {"json"},
		"resultOffset":      {strconv.Itoa(offset)},
		"resultRecordCount": {strconv.Itoa(count)},
	})
	if err != nil {
		return FeaturePage{}, err
	}
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return FeaturePage{}, fmt.Errorf("query features at offset %d: %w", offset, err)
	}

	var envelope struct {
		FeaturePage
		Error json.RawMessage `json:"error"`
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		return FeaturePage{}, fmt.Errorf("decode features at offset %d: %w", offset, err)
	}
	if len(envelope.Error) > 0 {
		return FeaturePage{}, decodeServiceError(envelope.Error)
	}
	return envelope.FeaturePage, nil
}

func (c *Client) CountFeatures(ctx context.Context, baseURL string) (int, error) {
	endpoint, err := buildURL(baseURL, "query", url.Values{
		"where":           {"1=1"},
		"returnCountOnly": {"true"},
		"f":               {"json"},
	})
	if err != nil {
		return 0, err
	}
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("count features: %w", err)
	}
	var envelope struct {
		Count *int            `json:"count"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("decode feature count: %w", err)
	}
	if len(envelope.Error) > 0 {
		return 0, decodeServiceError(envelope.Error)
	}
	if envelope.Count == nil {
		return 0, fmt.Errorf("feature count missing from response")
	}
	return *envelope.Count, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func buildURL(baseURL, suffix string, params url.Values) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, baseURL)
	}
	if suffix != "" {
		parsed.Path = strings.TrimRight(parsed.Path, "/") + "/" + suffix
	}
	parsed.RawQuery = params.Encode()
	return parsed.String(), nil
}

func decodeServiceError(raw json.RawMessage) error {
	serviceErr := &ServiceError{}
	if err := json.Unmarshal(raw, serviceErr); err != nil {
		return fmt.Errorf("feature service error: %s", string(raw))
	}
	return serviceErr
}
