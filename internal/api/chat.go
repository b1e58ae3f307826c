package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/webgis-ai/webgis/internal/assistant"
	"github.com/webgis-ai/webgis/internal/auth"
	"github.com/webgis-ai/webgis/internal/chat"
	"github.com/webgis-ai/webgis/internal/config"
	"github.com/webgis-ai/webgis/internal/query"
)

type createSessionRequest struct {
	UserID string `json:"user_id" validate:"max=255"`
}

type chatQueryRequest struct {
	Message   string `json:"message" validate:"required,notblank,max=4000"`
	SessionID string `json:"session_id" validate:"max=64"`
}

type chatQueryResponse struct {
	Response    string         `json:"response"`
	Data        query.Envelope `json:"data"`
	TotalCount  int            `json:"total_count"`
	FilterIDs   []any          `json:"filter_ids"`
	IsShowQuery bool           `json:"is_show_query"`
	SessionID   string         `json:"session_id"`
	SQL         string         `json:"sql"`
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat store is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleChatUser, auth.RoleDatasetAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req createSessionRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid create session request", false, map[string]any{"details": err.Error()})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = subjectFromRequest(r)
	}
	session, err := deps.Sessions.CreateSession(r.Context(), chat.CreateSessionInput{UserID: userID})
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CHAT_STORE_ERROR", "failed to create session", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func handleChatHistory(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat store is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleChatUser, auth.RoleDatasetAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	limit := cfg.Chat.AllHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	sessionID := r.PathValue("session_id")
	if _, err := deps.Sessions.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found", false, map[string]any{"session_id": sessionID})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "CHAT_STORE_ERROR", "failed to load session", true, map[string]any{"details": err.Error()})
		return
	}
	messages, err := deps.Sessions.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CHAT_STORE_ERROR", "failed to load history", true, map[string]any{"details": err.Error()})
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func handleChatQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat assistant is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleChatUser, auth.RoleDatasetAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req chatQueryRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid chat query request", false, map[string]any{"details": err.Error()})
		return
	}

	result, err := deps.Assistant.Ask(r.Context(), assistant.AskInput{
		Message:   req.Message,
		SessionID: req.SessionID,
		UserID:    subjectFromRequest(r),
	})
	if err != nil {
		writeAssistantError(w, r, err, result.SessionID)
		return
	}
	filterIDs := result.FilterIDs
	if filterIDs == nil {
		filterIDs = []any{}
	}
	writeJSON(w, http.StatusOK, chatQueryResponse{
		Response:    result.Response,
		Data:        query.Envelope{Result: result.Data},
		TotalCount:  result.TotalCount,
		FilterIDs:   filterIDs,
		IsShowQuery: result.IsShowQuery,
		SessionID:   result.SessionID,
		SQL:         result.SQL,
	})
}

func handleChatTranslate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat assistant is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleChatUser, auth.RoleDatasetAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req chatQueryRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid translate request", false, map[string]any{"details": err.Error()})
		return
	}
	statement, showQuery, err := deps.Assistant.Translate(r.Context(), assistant.AskInput{
		Message:   req.Message,
		SessionID: req.SessionID,
	})
	if err != nil {
		writeAssistantError(w, r, err, req.SessionID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sql":           statement,
		"is_show_query": showQuery,
	})
}

func writeAssistantError(w http.ResponseWriter, r *http.Request, err error, sessionID string) {
	switch {
	case errors.Is(err, assistant.ErrSQLGeneration):
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_GENERATION_FAILED", "failed to generate SQL query", false, map[string]any{"session_id": sessionID})
	case errors.Is(err, assistant.ErrInvalidInput):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "CHAT_QUERY_FAILED", "failed to answer chat query", true, map[string]any{"details": err.Error()})
	}
}
