package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/webgis-ai/webgis/internal/cli/webgisctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("WEBGIS_CLI_TIMEOUT")), 60*time.Second)
	options := webgisctl.Options{
		BaseURL:   envOr("WEBGIS_API_URL", "http://localhost:8080"),
		APIKey:    strings.TrimSpace(os.Getenv("WEBGIS_API_KEY")),
		SessionID: strings.TrimSpace(os.Getenv("WEBGIS_SESSION_ID")),
		Timeout:   timeout,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}

	code := webgisctl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid WEBGIS_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
