// Package memory is an in-process chat.Store for tests and local tooling.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webgis-ai/webgis/internal/chat"
)

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]chat.Session
	messages []chat.Message
	nextID   int64
}

func NewStore() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		sessions: map[string]chat.Session{},
	}
}

func (s *Store) CreateSession(_ context.Context, in chat.CreateSessionInput) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    strings.TrimSpace(in.UserID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[session.ID] = session
	return session, nil
}

func (s *Store) GetSession(_ context.Context, id string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, chat.ErrNotFound
	}
	return session, nil
}

func (s *Store) AppendMessage(_ context.Context, in chat.AppendMessageInput) (chat.Message, error) {
	if err := in.Validate(); err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[in.SessionID]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	now := s.now()
	session.UpdatedAt = now
	s.sessions[in.SessionID] = session

	s.nextID++
	message := chat.Message{
		ID:        s.nextID,
		SessionID: in.SessionID,
		Type:      in.Type,
		Content:   in.Content,
		Metadata:  in.Metadata,
		CreatedAt: now,
	}
	s.messages = append(s.messages, message)
	return message, nil
}

func (s *Store) ListMessages(_ context.Context, sessionID string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []chat.Message
	for _, message := range s.messages {
		if message.SessionID == sessionID {
			matched = append(matched, message)
		}
	}
	return tail(matched, limit), nil
}

func (s *Store) ListAllMessages(_ context.Context, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(append([]chat.Message(nil), s.messages...), limit), nil
}

func tail(messages []chat.Message, limit int) []chat.Message {
	if limit > 0 && len(messages) > limit {
		return messages[len(messages)-limit:]
	}
	return messages
}
