package chatstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/livedesk/handoff/pkg/chat"
)

// InMemoryStore keeps everything in process memory. Used by tests and
// single-node runs without durability requirements.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]chat.Message
	sessions map[string]chat.Session
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: map[string][]chat.Message{},
		sessions: map[string]chat.Session{},
	}
}

func (s *InMemoryStore) SaveMessage(_ context.Context, sessionID string, msg chat.Message) error {
	if sessionID == "" || msg.ID == "" {
		return errors.New("chatstore: empty session or message id")
	}
	if chat.IsOptimisticID(msg.ID) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[sessionID]
	for i, m := range list {
		if m.ID == msg.ID {
			list[i].Content = msg.Content
			list[i].Metadata = msg.Metadata
			return nil
		}
	}
	s.messages[sessionID] = append(list, msg)
	return nil
}

func (s *InMemoryStore) SaveSession(_ context.Context, sess chat.Session) error {
	if sess.ID == "" {
		return errors.New("chatstore: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) LoadResume(_ context.Context, sessionID string) (chat.ResumePayload, error) {
	var payload chat.ResumePayload
	if sessionID == "" {
		return payload, errors.New("chatstore: empty session id")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[sessionID]
	payload.Messages = make([]chat.Message, len(list))
	copy(payload.Messages, list)
	sort.SliceStable(payload.Messages, func(i, j int) bool {
		return payload.Messages[i].CreatedAt.Before(payload.Messages[j].CreatedAt)
	})
	if sess, ok := s.sessions[sessionID]; ok {
		payload.EscalationRequested = escalated(sess.Mode)
		payload.EscalationReason = sess.EscalationReason
		payload.AssignedAt = sess.AssignedAt
	}
	return payload, nil
}

func (s *InMemoryStore) Close() error { return nil }
