// ABOUTME: SQLite connection wrapper satisfying pool.Conn
// ABOUTME: Applies pragmas and the schema on open; tracks open transactions for rollback

package checkpoint

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	turn       INTEGER NOT NULL,
	step       TEXT NOT NULL,
	state      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Conn is one SQLite connection. It is not safe for concurrent use; the
// pool hands it to one caller at a time.
type Conn struct {
	conn *sqlite.Conn
	inTx bool
}

func openConn(path string) (*Conn, error) {
	conn, err := sqlite.OpenConn(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Conn{conn: conn}, nil
}

// bind makes ctx interrupt statements on this connection until the
// returned func is called.
func (c *Conn) bind(ctx context.Context) func() {
	c.conn.SetInterrupt(ctx.Done())
	return func() { c.conn.SetInterrupt(nil) }
}

// immediate runs fn inside BEGIN IMMEDIATE. fn's error rolls back.
func (c *Conn) immediate(fn func(conn *sqlite.Conn) error) (err error) {
	end, err := sqlitex.ImmediateTransaction(c.conn)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	c.inTx = true
	defer func() { c.inTx = false }()
	defer end(&err)
	return fn(c.conn)
}

// Ping runs a trivial query.
func (c *Conn) Ping(ctx context.Context) error {
	defer c.bind(ctx)()
	return sqlitex.ExecuteTransient(c.conn, "SELECT 1", nil)
}

// Rollback aborts a transaction left open by a failed scope.
func (c *Conn) Rollback(ctx context.Context) error {
	if !c.inTx {
		return nil
	}
	defer c.bind(ctx)()
	if err := sqlitex.ExecuteTransient(c.conn, "ROLLBACK", nil); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	c.inTx = false
	return nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
