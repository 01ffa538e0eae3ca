// ABOUTME: Package checkpoint persists workflow state in SQLite
// ABOUTME: Connections are leased from a pool; snapshots are CBOR compressed with zstd

// Package checkpoint implements workflow.Checkpointer on a SQLite file.
//
// Each session has one row holding the latest State. Saves run inside an
// immediate transaction on a connection leased from a pool.Pool, so a save
// either replaces the row or leaves the previous checkpoint in place.
package checkpoint
