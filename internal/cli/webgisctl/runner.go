package webgisctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	SessionID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	body   any
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("webgisctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "WebGIS API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	sessionID := fs.String("session", defaults.SessionID, "chat session id for ask, translate and register")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	req, err := buildRequest(command, fs.Args()[1:], strings.TrimSpace(*sessionID))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req.method, endpoint, *apiKey, req.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, args []string, sessionID string) (request, error) {
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "session":
		body := map[string]string{}
		if len(args) > 0 {
			body["user_id"] = args[0]
		}
		return request{method: http.MethodPost, path: "/v1/chat/session", body: body}, nil
	case "ask", "translate":
		if len(args) == 0 {
			return request{}, fmt.Errorf("%s requires a message", command)
		}
		body := map[string]string{"message": strings.Join(args, " ")}
		if sessionID != "" {
			body["session_id"] = sessionID
		}
		path := "/v1/chat/query"
		if command == "translate" {
			path = "/v1/chat/translate"
		}
		return request{method: http.MethodPost, path: path, body: body}, nil
	case "history":
		if len(args) != 1 {
			return request{}, fmt.Errorf("history requires a session id")
		}
		return request{method: http.MethodGet, path: "/v1/chat/history/" + url.PathEscape(args[0])}, nil
	case "datasets":
		return request{method: http.MethodGet, path: "/v1/datasets"}, nil
	case "status", "data":
		if len(args) != 1 {
			return request{}, fmt.Errorf("%s requires a table name", command)
		}
		return request{method: http.MethodGet, path: "/v1/datasets/" + url.PathEscape(args[0]) + "/" + command}, nil
	case "register":
		if len(args) != 3 {
			return request{}, fmt.Errorf("register requires <name> <base_url> <table_name>")
		}
		body := map[string]string{"name": args[0], "base_url": args[1], "table_name": args[2]}
		if sessionID != "" {
			body["session_id"] = sessionID
		}
		return request{method: http.MethodPost, path: "/v1/datasets/register", body: body}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: webgisctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                          GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                           GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  session [user_id]               POST /v1/chat/session")
	_, _ = fmt.Fprintln(w, "  ask <message>                   POST /v1/chat/query")
	_, _ = fmt.Fprintln(w, "  translate <message>             POST /v1/chat/translate")
	_, _ = fmt.Fprintln(w, "  history <session_id>            GET /v1/chat/history/{session_id}")
	_, _ = fmt.Fprintln(w, "  datasets                        GET /v1/datasets")
	_, _ = fmt.Fprintln(w, "  status <table>                  GET /v1/datasets/{table}/status")
	_, _ = fmt.Fprintln(w, "  data <table>                    GET /v1/datasets/{table}/data")
	_, _ = fmt.Fprintln(w, "  register <name> <url> <table>   POST /v1/datasets/register")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
