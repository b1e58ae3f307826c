package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/webgis-ai/webgis/internal/chat"
)

const messageColumns = `id, session_id, message_type, content, metadata, created_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateSession(ctx context.Context, in chat.CreateSessionInput) (chat.Session, error) {
	session := chat.Session{ID: uuid.NewString(), UserID: strings.TrimSpace(in.UserID)}
	query := `
INSERT INTO chat_sessions (id, user_id)
VALUES ($1, $2)
RETURNING created_at, updated_at`
	if err := r.db.QueryRowContext(ctx, query, session.ID, nullString(session.UserID)).Scan(&session.CreatedAt, &session.UpdatedAt); err != nil {
		return chat.Session{}, fmt.Errorf("create chat session: %w", err)
	}
	return session, nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (chat.Session, error) {
	query := `
SELECT id, user_id, created_at, updated_at
FROM chat_sessions
WHERE id = $1`
	var (
		session chat.Session
		userID  sql.NullString
	)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&session.ID, &userID, &session.CreatedAt, &session.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Session{}, chat.ErrNotFound
		}
		return chat.Session{}, fmt.Errorf("get chat session: %w", err)
	}
	session.UserID = userID.String
	return session, nil
}

func (r *Repository) AppendMessage(ctx context.Context, in chat.AppendMessageInput) (chat.Message, error) {
	if err := in.Validate(); err != nil {
		return chat.Message{}, err
	}
	var metadata any
	if in.Metadata != nil {
		encoded, err := json.Marshal(in.Metadata)
		if err != nil {
			return chat.Message{}, fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = string(encoded)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("begin append message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	touched, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = NOW() WHERE id = $1`, in.SessionID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("touch chat session: %w", err)
	}
	if affected, err := touched.RowsAffected(); err == nil && affected == 0 {
		return chat.Message{}, chat.ErrNotFound
	}

	message := chat.Message{
		SessionID: in.SessionID,
		Type:      in.Type,
		Content:   in.Content,
		Metadata:  in.Metadata,
	}
	query := `
INSERT INTO chat_messages (session_id, message_type, content, metadata)
VALUES ($1, $2, $3, $4::jsonb)
RETURNING id, created_at`
	if err := tx.QueryRowContext(ctx, query, in.SessionID, string(in.Type), in.Content, metadata).Scan(&message.ID, &message.CreatedAt); err != nil {
		return chat.Message{}, fmt.Errorf("insert chat message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("commit append message tx: %w", err)
	}
	return message, nil
}

func (r *Repository) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	query := `
SELECT ` + messageColumns + `
FROM (
	SELECT ` + messageColumns + `
	FROM chat_messages
	WHERE session_id = $1
	ORDER BY created_at DESC, id DESC
	LIMIT $2
) recent
ORDER BY created_at ASC, id ASC`
	return r.listMessages(ctx, query, sessionID, limit)
}

func (r *Repository) ListAllMessages(ctx context.Context, limit int) ([]chat.Message, error) {
	query := `
SELECT ` + messageColumns + `
FROM (
	SELECT ` + messageColumns + `
	FROM chat_messages
	ORDER BY created_at DESC, id DESC
	LIMIT $1
) recent
ORDER BY created_at ASC, id ASC`
	return r.listMessages(ctx, query, limit)
}

func (r *Repository) listMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []chat.Message
	for rows.Next() {
		var (
			message     chat.Message
			messageType string
			metadata    []byte
		)
		if err := rows.Scan(&message.ID, &message.SessionID, &messageType, &message.Content, &metadata, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		message.Type = chat.MessageType(messageType)
		if len(metadata) > 0 {
			var decoded chat.Metadata
			if err := json.Unmarshal(metadata, &decoded); err != nil {
				return nil, fmt.Errorf("decode message %d metadata: %w", message.ID, err)
			}
			message.Metadata = &decoded
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return messages, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
