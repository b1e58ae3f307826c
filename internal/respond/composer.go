// Package respond turns query outcomes into the assistant's chat reply.
package respond

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/webgis-ai/webgis/internal/llm"
	"github.com/webgis-ai/webgis/internal/observability"
	"github.com/webgis-ai/webgis/internal/query"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 5000

	RateLimitedReply = "I'm sorry, but I'm currently experiencing heavy load. Please try again."
	UnavailableReply = "I'm sorry, but I couldn't retrieve the data at this time."
	NoDataReply      = "I couldn't find any data matching your criteria."
)

const analyticalSystemPrompt = "You are a helpful assistant that explains GIS data in a friendly way. " +
	"Do not include any special characters like asterisks (**) in your responses. " +
	"If there is a list of any kind, put each item on its own line."

const showSystemPrompt = "You are a helpful assistant for a web map. " +
	"Briefly confirm which features were highlighted on the map. " +
	"Do not include any special characters like asterisks (**) in your responses."

// Composer writes the assistant's reply. A nil Temperature uses the default;
// an explicit zero is sent as is.
type Composer struct {
	Client      llm.Client
	Model       string
	Temperature *float32
	MaxTokens   int
	Logger      *slog.Logger
}

type ShowInput struct {
	Question string
	// Count is the number of features that will be highlighted.
	Count   int
	History string
}

type AnalyticalInput struct {
	Question string
	Result   query.Result
	History  string
}

// ShowFallback is the reply used when the model cannot describe a map filter.
func ShowFallback(count int) string {
	return fmt.Sprintf("I've highlighted %d features on the map that match your request.", count)
}

// ComposeShow describes a map-filter result. Only the feature count reaches
// the model, never the rows themselves.
func (c *Composer) ComposeShow(ctx context.Context, in ShowInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d features matched and are now highlighted on the map.\n\n", in.Count)
	if history := strings.TrimSpace(in.History); history != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", history)
	}
	fmt.Fprintf(&b, "The user asked: %q\n\nWrite a short confirmation for the user.", strings.TrimSpace(in.Question))

	reply, err := c.complete(ctx, showSystemPrompt, b.String())
	if err != nil {
		c.logFailure(ctx, "show", err)
		return ShowFallback(in.Count)
	}
	return reply
}

// ComposeAnalytical explains a query result. Failure and Empty results are
// answered without a model call.
func (c *Composer) ComposeAnalytical(ctx context.Context, in AnalyticalInput) string {
	switch result := in.Result.(type) {
	case query.Failure:
		return "I encountered an error: " + result.Message
	case query.Empty, nil:
		return NoDataReply
	}

	serialized, err := json.Marshal(query.Envelope{Result: in.Result})
	if err != nil {
		c.logger().ErrorContext(ctx, "serialize query result for composition", slog.String("error", err.Error()))
		return UnavailableReply
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Given this query result: %s\n\n", serialized)
	if history := strings.TrimSpace(in.History); history != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", history)
	}
	fmt.Fprintf(&b, "And the original question: %q\n\n", strings.TrimSpace(in.Question))
	b.WriteString("Generate a friendly and informative response that answers the question.\n")
	b.WriteString("Note: If there is a list of any kind, make sure that each item in the list is on a new line.")

	reply, err := c.complete(ctx, analyticalSystemPrompt, b.String())
	if err == nil {
		return reply
	}
	c.logFailure(ctx, "analytical", err)
	switch llm.Classify(err) {
	case llm.KindRateLimit:
		return RateLimitedReply
	case llm.KindAPI, llm.KindTimeout:
		return UnavailableReply
	default:
		return "I found this result: " + string(serialized)
	}
}

func (c *Composer) complete(ctx context.Context, system, user string) (string, error) {
	if c.Client == nil {
		return "", fmt.Errorf("%w: no language model configured", llm.ErrAPI)
	}
	temperature := float32(defaultTemperature)
	if c.Temperature != nil {
		temperature = *c.Temperature
	}
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	reply, err := c.Client.Complete(ctx, llm.CompletionRequest{
		Model:       c.Model,
		System:      system,
		User:        user,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", llm.ErrAPI)
	}
	return reply, nil
}

func (c *Composer) logFailure(ctx context.Context, mode string, err error) {
	kind := llm.Classify(err)
	observability.IncrementLLMFailure("compose_"+mode, string(kind))
	c.logger().ErrorContext(ctx, "response composition failed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("mode", mode),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
}

func (c *Composer) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
