package domain

import (
	"context"
	"time"
)

// AuditEntry records one operator-visible event such as an ingest run.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditLog appends and lists audit entries.
type AuditLog interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	Recent(ctx context.Context, event string, limit int) ([]AuditEntry, error)
}
