package events

import (
	"context"
	"fmt"

	"github.com/leonletto/chatcore/internal/jsonl"
)

// AuditLog appends every event to a JSONL file.
type AuditLog struct {
	w *jsonl.Writer
}

// NewAuditLog opens (creating if needed) the JSONL file at path.
func NewAuditLog(path string) (*AuditLog, error) {
	w, err := jsonl.NewWriter(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{w: w}, nil
}

// Handle is an events.Handler.
func (a *AuditLog) Handle(_ context.Context, ev Event) error {
	if err := a.w.Append(ev); err != nil {
		return fmt.Errorf("append audit event %s: %w", ev.ID, err)
	}
	return nil
}
