// Package chat models conversation sessions and their append-only message
// history.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("chat: not found")
	ErrInvalidInput = errors.New("chat: invalid input")
)

type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageUser, MessageAssistant, MessageSystem:
		return true
	default:
		return false
	}
}

type Session struct {
	ID        string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata is attached to assistant messages produced by the chat pipeline.
type Metadata struct {
	FilterIDs   []any `json:"filter_ids"`
	IsShowQuery bool  `json:"is_show_query"`
}

// UnmarshalJSON keeps integral filter ids as int64 so stored metadata reads
// back with the types the query executor produced.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		FilterIDs   []any `json:"filter_ids"`
		IsShowQuery bool  `json:"is_show_query"`
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	for i, id := range raw.FilterIDs {
		number, ok := id.(json.Number)
		if !ok {
			continue
		}
		if n, err := number.Int64(); err == nil {
			raw.FilterIDs[i] = n
		} else if f, err := number.Float64(); err == nil {
			raw.FilterIDs[i] = f
		}
	}
	m.FilterIDs = raw.FilterIDs
	m.IsShowQuery = raw.IsShowQuery
	return nil
}

type Message struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Type      MessageType `json:"message_type"`
	Content   string      `json:"content"`
	Metadata  *Metadata   `json:"metadata,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type CreateSessionInput struct {
	UserID string
}

type AppendMessageInput struct {
	SessionID string
	Type      MessageType
	Content   string
	Metadata  *Metadata
}

func (in AppendMessageInput) Validate() error {
	if strings.TrimSpace(in.SessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, in.Type)
	}
	if in.Content == "" {
		return fmt.Errorf("%w: message content is required", ErrInvalidInput)
	}
	return nil
}

// Store persists sessions and messages. Messages are immutable once written.
type Store interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	// ListMessages returns the most recent limit messages of a session in
	// creation order.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// ListAllMessages is ListMessages across every session.
	ListAllMessages(ctx context.Context, limit int) ([]Message, error)
}
