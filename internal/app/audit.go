package app

import (
	"context"

	"mcprunner/internal/storage"
	"mcprunner/internal/task/engine"
)

// storeAuditor records runner control actions in the audit store.
type storeAuditor struct {
	store storage.Store
}

func (s storeAuditor) Audit(ctx context.Context, e engine.AuditEntry) error {
	return s.store.AppendAudit(ctx, storage.AuditEntry{
		At:     e.At,
		Action: e.Action,
		Task:   e.Task,
		RunID:  e.RunID,
	})
}
