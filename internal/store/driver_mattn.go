// ABOUTME: Registers the cgo SQLite driver so OpenSQLite can select it by name
// ABOUTME: Builds without cgo fall back to the driver's stub, which fails on open

package store

import _ "github.com/mattn/go-sqlite3"
