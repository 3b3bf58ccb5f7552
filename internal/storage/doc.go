// Package storage persists the audit trail of runner control actions
// (stop, cancel, abort, cancel_schedule, shutdown).
//
// Two backends exist:
//   - "file": append-only JSON Lines next to the configured path
//   - "sqlite": a SQLite database via modernc.org/sqlite
//
// Runs themselves are never persisted.
package storage
