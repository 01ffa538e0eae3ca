// ABOUTME: Store interface and data types for conversation history
// ABOUTME: Defines Session and Message and the operations the chat service needs

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Message roles as written to the history table. The assistant side is
// stored as "ai".
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

// Session is one conversation thread.
type Session struct {
	ID           string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message represents a single message within a session
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store persists the user/assistant exchange of each completed turn.
type Store interface {
	// AppendTurn writes both messages of a turn in one transaction.
	AppendTurn(ctx context.Context, sessionID, userText, aiText string) error

	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	// ListMessages returns the newest limit messages in chronological
	// order. limit <= 0 returns all of them.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)
	DeleteSession(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
