package mentions

import (
	"context"
	"fmt"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/store"
)

// Save inserts mention rows for messageID. Rows that already exist are left untouched.
// Returns the targets that were newly inserted.
func Save(ctx context.Context, q store.Queryer, messageID int64, targets []chat.Mention, now string) ([]chat.Mention, error) {
	var inserted []chat.Mention
	for _, m := range targets {
		res, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO mentions (message_id, target_type, target_id, created_at)
			VALUES (?, ?, ?, ?)`, messageID, m.TargetType, m.TargetID, now)
		if err != nil {
			return nil, fmt.Errorf("insert mention: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			m.MessageID = messageID
			inserted = append(inserted, m)
		}
	}
	return inserted, nil
}

// ForMessage lists the mention rows of a message in insertion order.
func ForMessage(ctx context.Context, q store.Queryer, messageID int64) ([]chat.Mention, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT message_id, target_type, target_id FROM mentions WHERE message_id = ? ORDER BY id", messageID)
	if err != nil {
		return nil, fmt.Errorf("query mentions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Mention
	for rows.Next() {
		var m chat.Mention
		if err := rows.Scan(&m.MessageID, &m.TargetType, &m.TargetID); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
