package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit log (<path stem>.audit.jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one control action. Session identifies the process
// that wrote it.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Session string    `json:"session"`
	Action  string    `json:"action"`
	Task    string    `json:"task,omitempty"`
	RunID   int64     `json:"run_id,omitempty"`
	Error   string    `json:"error,omitempty"`
	Meta    string    `json:"meta,omitempty"`
}
