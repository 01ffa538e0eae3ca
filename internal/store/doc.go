// Package store provides persistent conversation history using SQLite.
//
// # Data Models
//
//   - Session: a conversation thread keyed by the caller's session id
//   - Message: one history entry with role "user" or "ai"
//
// Each completed chat turn is written with AppendTurn, which inserts the
// user message and the reply in one transaction. Callers treat history
// as best effort: a failed append is logged and never fails a response.
//
// # SQLite Configuration
//
// SQLiteStore runs on database/sql with either driver:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// Both open the file in WAL mode with foreign keys enabled.
//
// # Testing
//
// Use NewMockStore() for unit tests. Set AppendErr to simulate a failing
// database.
package store
