// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject append failures

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message // keyed by session ID

	// AppendErr, when set, is returned by AppendTurn without writing.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

// AppendTurn stores both messages of a turn.
func (m *MockStore) AppendTurn(_ context.Context, sessionID, userText, aiText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}

	now := time.Now().UTC()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, CreatedAt: now}
		m.sessions[sessionID] = sess
	}
	sess.UpdatedAt = now
	sess.MessageCount += 2

	m.messages[sessionID] = append(m.messages[sessionID],
		&Message{ID: uuid.New().String(), SessionID: sessionID, Role: RoleUser, Content: userText, CreatedAt: now},
		&Message{ID: uuid.New().String(), SessionID: sessionID, Role: RoleAI, Content: aiText, CreatedAt: now},
	)
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *sess
	return &result, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (m *MockStore) ListSessions(_ context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := *s
		sessions = append(sessions, &c)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// ListMessages returns the newest limit messages, oldest first.
func (m *MockStore) ListMessages(_ context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		result[i] = &c
	}
	return result, nil
}

// DeleteSession removes a session and its messages.
func (m *MockStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
