package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	logx "mcprunner/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	// Session is stamped on every entry this store appends.
	Session() string
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	session := uuid.NewString()
	log = log.With(logx.String("session", session))

	switch driver {
	case "file":
		return openFile(cfg, session, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, session, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
