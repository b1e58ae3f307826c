// Package assistant runs the chat pipeline: history, SQL generation,
// execution and the composed reply.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/webgis-ai/webgis/internal/chat"
	"github.com/webgis-ai/webgis/internal/intent"
	"github.com/webgis-ai/webgis/internal/nl2sql"
	"github.com/webgis-ai/webgis/internal/observability"
	"github.com/webgis-ai/webgis/internal/query"
	"github.com/webgis-ai/webgis/internal/respond"
)

const (
	defaultHistoryLimit    = 50
	defaultAllHistoryLimit = 500000
	defaultMaxResultRows   = 100
)

var (
	ErrInvalidInput  = errors.New("assistant: invalid input")
	ErrSQLGeneration = errors.New("failed to generate SQL query")
)

// identifierColumns name the row identifier of water_mains and of registered
// datasets, in lookup order.
var identifierColumns = []string{"object_id", "objectid"}

type SchemaDescriber interface {
	Describe(ctx context.Context) string
}

type SQLGenerator interface {
	Generate(ctx context.Context, req nl2sql.Request) string
}

type QueryExecutor interface {
	Execute(ctx context.Context, statement string) query.Result
}

type ReplyComposer interface {
	ComposeShow(ctx context.Context, in respond.ShowInput) string
	ComposeAnalytical(ctx context.Context, in respond.AnalyticalInput) string
}

type Service struct {
	Sessions  chat.Store
	Schema    SchemaDescriber
	Generator SQLGenerator
	Executor  QueryExecutor
	Composer  ReplyComposer

	// AllHistory feeds every stored message to the model instead of the
	// current session only.
	AllHistory      bool
	HistoryLimit    int
	AllHistoryLimit int
	MaxResultRows   int
	Logger          *slog.Logger
}

type AskInput struct {
	Message   string
	SessionID string
	// UserID owns a session created for this question.
	UserID string
}

type AskResult struct {
	Response    string
	Data        query.Result
	TotalCount  int
	FilterIDs   []any
	IsShowQuery bool
	SessionID   string
	SQL         string
}

// Ask answers one chat message and records both turns in the session. When
// no SQL can be generated ErrSQLGeneration is returned and nothing is stored.
func (s *Service) Ask(ctx context.Context, in AskInput) (AskResult, error) {
	started := time.Now()
	showQuery := intent.IsShowQuery(in.Message)
	result, err := s.ask(ctx, in, showQuery)
	observability.ObserveChatQuery(outcomeOf(result, err), showQuery, time.Since(started))
	return result, err
}

func (s *Service) ask(ctx context.Context, in AskInput, showQuery bool) (AskResult, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return AskResult{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	logger := s.logger().With(slog.String("trace_id", observability.TraceIDFromContext(ctx)))

	session, err := s.resolveSession(ctx, in)
	if err != nil {
		return AskResult{}, err
	}
	history, err := s.history(ctx, session.ID)
	if err != nil {
		return AskResult{}, err
	}

	statement := s.Generator.Generate(ctx, nl2sql.Request{
		Question:  message,
		Schema:    s.Schema.Describe(ctx),
		History:   history,
		ShowQuery: showQuery,
	})
	if statement == "" {
		logger.WarnContext(ctx, "no sql generated", slog.String("session_id", session.ID))
		return AskResult{SessionID: session.ID, IsShowQuery: showQuery}, ErrSQLGeneration
	}

	out := AskResult{
		SessionID:   session.ID,
		SQL:         statement,
		IsShowQuery: showQuery,
		FilterIDs:   []any{},
	}
	result := s.Executor.Execute(ctx, statement)
	switch typed := result.(type) {
	case query.Rows:
		if showQuery {
			out.FilterIDs = filterIDs(typed)
		}
		out.Data, out.TotalCount = query.Truncate(typed, s.maxResultRows())
	default:
		out.Data = result
	}

	// Show mode needs identifiers to highlight; anything else is answered from the data.
	if showQuery && len(out.FilterIDs) > 0 {
		out.Response = s.Composer.ComposeShow(ctx, respond.ShowInput{
			Question: message,
			Count:    len(out.FilterIDs),
			History:  history,
		})
	} else {
		out.Response = s.Composer.ComposeAnalytical(ctx, respond.AnalyticalInput{
			Question: message,
			Result:   out.Data,
			History:  history,
		})
	}

	if _, err := s.Sessions.AppendMessage(ctx, chat.AppendMessageInput{
		SessionID: session.ID,
		Type:      chat.MessageUser,
		Content:   message,
	}); err != nil {
		return AskResult{}, fmt.Errorf("store user message: %w", err)
	}
	if _, err := s.Sessions.AppendMessage(ctx, chat.AppendMessageInput{
		SessionID: session.ID,
		Type:      chat.MessageAssistant,
		Content:   out.Response,
		Metadata:  &chat.Metadata{FilterIDs: out.FilterIDs, IsShowQuery: showQuery},
	}); err != nil {
		return AskResult{}, fmt.Errorf("store assistant message: %w", err)
	}

	logger.InfoContext(ctx, "chat query answered",
		slog.String("session_id", session.ID),
		slog.Bool("show_query", showQuery),
		slog.Int("total_count", out.TotalCount),
	)
	return out, nil
}

// Translate returns the SQL a question would run, without executing or
// storing anything. An unknown session contributes no history.
func (s *Service) Translate(ctx context.Context, in AskInput) (string, bool, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return "", false, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	showQuery := intent.IsShowQuery(message)

	var history string
	if id := strings.TrimSpace(in.SessionID); id != "" {
		if _, err := s.Sessions.GetSession(ctx, id); err == nil {
			if history, err = s.history(ctx, id); err != nil {
				return "", showQuery, err
			}
		} else if !errors.Is(err, chat.ErrNotFound) {
			return "", showQuery, fmt.Errorf("load session: %w", err)
		}
	}

	statement := s.Generator.Generate(ctx, nl2sql.Request{
		Question:  message,
		Schema:    s.Schema.Describe(ctx),
		History:   history,
		ShowQuery: showQuery,
	})
	if statement == "" {
		return "", showQuery, ErrSQLGeneration
	}
	return statement, showQuery, nil
}

func (s *Service) resolveSession(ctx context.Context, in AskInput) (chat.Session, error) {
	if id := strings.TrimSpace(in.SessionID); id != "" {
		session, err := s.Sessions.GetSession(ctx, id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return chat.Session{}, fmt.Errorf("load session: %w", err)
		}
	}
	session, err := s.Sessions.CreateSession(ctx, chat.CreateSessionInput{UserID: in.UserID})
	if err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Service) history(ctx context.Context, sessionID string) (string, error) {
	var (
		messages []chat.Message
		err      error
	)
	if s.AllHistory {
		messages, err = s.Sessions.ListAllMessages(ctx, positiveOr(s.AllHistoryLimit, defaultAllHistoryLimit))
	} else {
		messages, err = s.Sessions.ListMessages(ctx, sessionID, positiveOr(s.HistoryLimit, defaultHistoryLimit))
	}
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	return chat.FormatHistory(messages), nil
}

// filterIDs collects the identifier column of a show query. Rows without an
// identifier column highlight nothing.
func filterIDs(rows query.Rows) []any {
	for _, column := range identifierColumns {
		if values, ok := rows.Column(column); ok {
			return values
		}
	}
	return []any{}
}

func outcomeOf(result AskResult, err error) string {
	switch {
	case errors.Is(err, ErrSQLGeneration):
		return "generation_failed"
	case err != nil:
		return "error"
	}
	if _, failed := result.Data.(query.Failure); failed {
		return "execution_failed"
	}
	return "ok"
}

func (s *Service) maxResultRows() int {
	return positiveOr(s.MaxResultRows, defaultMaxResultRows)
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
