// Package llm wraps the chat-completion model used for SQL generation,
// response composition and schema generation.
package llm

import (
	"context"
	"errors"
	"net"
)

var (
	ErrRateLimited = errors.New("language model rate limited")
	ErrTimeout     = errors.New("language model timeout")
	ErrAPI         = errors.New("language model api error")
)

type Kind string

const (
	KindRateLimit Kind = "rate_limit"
	KindTimeout   Kind = "timeout"
	KindAPI       Kind = "api"
	KindUnknown   Kind = "unknown"
)

type CompletionRequest struct {
	// Model overrides the client's default model when set.
	Model       string
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req CompletionRequest) (string, error)

func (f ClientFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

// Classify maps a Complete error onto the failure kinds callers branch on.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrAPI):
		return KindAPI
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}
