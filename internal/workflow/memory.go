// ABOUTME: In-memory Checkpointer for tests and for running without a checkpoint database
// ABOUTME: Stores deep copies so callers can never mutate a saved snapshot

package workflow

import (
	"context"
	"sync"
)

// Checkpointer persists State per session.
type Checkpointer interface {
	// Load returns an error wrapping ErrNoCheckpoint for unknown sessions.
	Load(ctx context.Context, sessionID string) (State, error)
	Save(ctx context.Context, s State) error
}

// MemoryCheckpointer keeps checkpoints in a map.
type MemoryCheckpointer struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryCheckpointer returns an empty checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{states: make(map[string]State)}
}

func (m *MemoryCheckpointer) Load(_ context.Context, sessionID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[sessionID]
	if !ok {
		return State{}, ErrNoCheckpoint
	}
	return s.Clone(), nil
}

func (m *MemoryCheckpointer) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.SessionID] = s.Clone()
	return nil
}
