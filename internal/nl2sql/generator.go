// Package nl2sql turns chat questions into a single read-only SQL statement.
package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/webgis-ai/webgis/internal/llm"
	"github.com/webgis-ai/webgis/internal/observability"
	"github.com/webgis-ai/webgis/internal/sqlsafe"
)

const defaultMaxTokens = 5000

const systemPrompt = `You are a helpful assistant that converts natural language questions about municipal GIS layers into PostgreSQL/PostGIS queries.
Constraints:
1) Never produce code fences, such as triple backticks (` + "```" + `).
2) Never generate destructive SQL queries (e.g., DROP, DELETE, INSERT, UPDATE, TRUNCATE, ALTER).
3) Only return a single valid SQL query. Do not provide explanations or commentary.
4) The SQL must be read-only (SELECT statements or similar).`

type Request struct {
	Question string
	// Schema is the rendered schema text, see SchemaDescriptor.
	Schema string
	// History is the formatted conversation so far; may be empty.
	History string
	// ShowQuery asks for identifiers only so the map can highlight features.
	ShowQuery bool
}

type Generator struct {
	Client    llm.Client
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

// Generate returns a single SQL statement, or "" when the model fails or
// returns a statement that trips the keyword blocklist.
func (g *Generator) Generate(ctx context.Context, req Request) string {
	logger := g.logger().With(slog.String("trace_id", observability.TraceIDFromContext(ctx)))
	if g.Client == nil {
		logger.ErrorContext(ctx, "sql generation skipped: no language model configured")
		return ""
	}

	maxTokens := g.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	raw, err := g.Client.Complete(ctx, llm.CompletionRequest{
		Model:       g.Model,
		System:      systemPrompt,
		User:        buildUserPrompt(req),
		Temperature: 0,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		kind := llm.Classify(err)
		observability.IncrementLLMFailure("sql_generation", string(kind))
		switch kind {
		case llm.KindRateLimit:
			logger.ErrorContext(ctx, "sql generation rate limited", slog.String("error", err.Error()))
		case llm.KindTimeout:
			logger.ErrorContext(ctx, "sql generation timed out", slog.String("error", err.Error()))
		case llm.KindAPI:
			logger.ErrorContext(ctx, "sql generation api error", slog.String("error", err.Error()))
		default:
			logger.ErrorContext(ctx, "sql generation failed", slog.String("error", err.Error()))
		}
		return ""
	}

	statement := StripFences(raw)
	if keyword, found := sqlsafe.FindDisallowed(statement); found {
		observability.IncrementSQLRejected("generate")
		logger.WarnContext(ctx, "generated sql rejected",
			slog.String("keyword", keyword),
			slog.String("sql", statement),
		)
		return ""
	}
	logger.InfoContext(ctx, "generated sql", slog.String("sql", statement))
	return statement
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the following database schema:\n%s\n\n", req.Schema)
	if history := strings.TrimSpace(req.History); history != "" {
		fmt.Fprintf(&b, "Conversation so far (use it to resolve follow-up references):\n%s\n\n", history)
	}
	if req.ShowQuery {
		b.WriteString("The user wants matching features highlighted on the map. " +
			"Select ONLY the identifier column of the matching rows: object_id for water_mains, objectid for registered datasets.\n" +
			"Example:\nQuestion: show me cast iron pipe\n" +
			"SQL: SELECT object_id FROM water_mains WHERE material = 'CAST IRON'\n\n")
	}
	fmt.Fprintf(&b, "Convert this question to a SQL query: %q\n\n", strings.TrimSpace(req.Question))
	b.WriteString("Return ONLY the SQL query without any explanation.\n")
	b.WriteString("Return ONLY the SQL without any triple backticks or markdown formatting.")
	return b.String()
}

// StripFences removes every markdown code fence marker from model output.
func StripFences(value string) string {
	value = strings.ReplaceAll(value, "```sql", "")
	value = strings.ReplaceAll(value, "```", "")
	return strings.TrimSpace(value)
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}
