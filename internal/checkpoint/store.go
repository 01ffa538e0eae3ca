// ABOUTME: Checkpoint store implementing workflow.Checkpointer over pooled SQLite connections
// ABOUTME: Load, atomic Save, Delete and List keyed by session id

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/2389/agent-gateway/internal/clock"
	"github.com/2389/agent-gateway/internal/pool"
	"github.com/2389/agent-gateway/internal/workflow"
)

// ErrNotFound is returned for sessions without a checkpoint. It matches
// workflow.ErrNoCheckpoint so the engine starts such sessions fresh.
var ErrNotFound = fmt.Errorf("checkpoint: %w", workflow.ErrNoCheckpoint)

const memoryPath = ":memory:"

// Config configures the store and its connection pool.
type Config struct {
	Path           string
	MinConns       int
	MaxConns       int
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	Clock          clock.Clock
}

// Store is a SQLite-backed workflow.Checkpointer.
type Store struct {
	pool   *pool.Pool[*Conn]
	clock  clock.Clock
	logger *slog.Logger

	// anchor holds a shared in-memory database open while pooled
	// connections are replaced.
	anchor *Conn
}

var _ workflow.Checkpointer = (*Store)(nil)

// Open creates the database if needed and pre-opens MinConns connections.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("checkpoint: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 20
	}
	logger = logger.With("component", "checkpoint")

	path := cfg.Path
	var anchor *Conn
	if path == memoryPath {
		// a named shared-cache database lives as long as one connection
		// to it is open; the anchor outlives every pooled connection
		path = "file:checkpoints-" + uuid.NewString() + "?mode=memory&cache=shared"
		cfg.MinConns, cfg.MaxConns = 1, 1
		a, err := openConn(path)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		anchor = a
	}

	dial := func(context.Context) (*Conn, error) {
		return openConn(path)
	}
	p, err := pool.New(ctx, dial, pool.Config{
		MinSize:        cfg.MinConns,
		MaxSize:        cfg.MaxConns,
		MaxLifetime:    cfg.MaxLifetime,
		AcquireTimeout: cfg.AcquireTimeout,
		Clock:          cfg.Clock,
	}, logger)
	if err != nil {
		if anchor != nil {
			_ = anchor.Close()
		}
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	logger.Info("checkpoint store opened", "path", cfg.Path)
	return &Store{pool: p, clock: cfg.Clock, logger: logger, anchor: anchor}, nil
}

// Load returns the latest checkpoint of a session.
func (s *Store) Load(ctx context.Context, sessionID string) (workflow.State, error) {
	var data []byte
	err := s.pool.With(ctx, func(ctx context.Context, c *Conn) error {
		defer c.bind(ctx)()
		return sqlitex.Execute(c.conn, "SELECT state FROM checkpoints WHERE session_id = ?", &sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				return nil
			},
		})
	})
	if err != nil {
		return workflow.State{}, fmt.Errorf("checkpoint: loading %s: %w", sessionID, err)
	}
	if data == nil {
		return workflow.State{}, ErrNotFound
	}
	st, err := decodeState(data)
	if err != nil {
		return workflow.State{}, fmt.Errorf("checkpoint: loading %s: %w", sessionID, err)
	}
	return st, nil
}

// Save replaces the checkpoint of st.SessionID in one transaction.
func (s *Store) Save(ctx context.Context, st workflow.State) error {
	if st.SessionID == "" {
		return errors.New("checkpoint: session id is required")
	}
	data, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	updatedAt := s.clock.Now().UTC().Format(time.RFC3339Nano)

	err = s.pool.With(ctx, func(ctx context.Context, c *Conn) error {
		defer c.bind(ctx)()
		return c.immediate(func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, `
				INSERT OR REPLACE INTO checkpoints (session_id, turn, step, state, updated_at)
				VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{st.SessionID, st.Turn, string(st.CurrentStep), data, updatedAt},
			})
		})
	})
	if err != nil {
		return fmt.Errorf("checkpoint: saving %s: %w", st.SessionID, err)
	}
	s.logger.Debug("checkpoint saved", "session_id", st.SessionID, "step", st.CurrentStep, "bytes", len(data))
	return nil
}

// Delete removes a session's checkpoint.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	var changed int
	err := s.pool.With(ctx, func(ctx context.Context, c *Conn) error {
		defer c.bind(ctx)()
		err := sqlitex.Execute(c.conn, "DELETE FROM checkpoints WHERE session_id = ?", &sqlitex.ExecOptions{
			Args: []any{sessionID},
		})
		changed = c.conn.Changes()
		return err
	})
	if err != nil {
		return fmt.Errorf("checkpoint: deleting %s: %w", sessionID, err)
	}
	if changed == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every session id with a checkpoint, most recently saved first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.pool.With(ctx, func(ctx context.Context, c *Conn) error {
		defer c.bind(ctx)()
		return sqlitex.Execute(c.conn, "SELECT session_id FROM checkpoints ORDER BY updated_at DESC, session_id", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing: %w", err)
	}
	return ids, nil
}

// Stats reports the connection pool.
func (s *Store) Stats() pool.Stats {
	return s.pool.Stats()
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	var err error
	if s.anchor != nil {
		err = s.anchor.Close()
		s.anchor = nil
	}
	s.logger.Info("checkpoint store closed")
	return err
}
