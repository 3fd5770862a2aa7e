package message

import (
	"context"
	"fmt"

	"github.com/leonletto/chatcore/internal/store"
)

// ThreadBackfill stamps a thread id onto the reply graph below a root message.
type ThreadBackfill struct {
	db       store.Queryer
	maxDepth int
}

// NewThreadBackfill creates a backfill bounded to maxDepth levels of replies.
func NewThreadBackfill(db store.Queryer, maxDepth int) *ThreadBackfill {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxReplyDepth
	}
	return &ThreadBackfill{db: db, maxDepth: maxDepth}
}

// Backfill sets thread_id on rootID and every message replying to it,
// directly or transitively, in the root's channel. Only NULL thread ids are
// written, so running it twice changes nothing the second time.
// Returns the number of rows updated.
func (b *ThreadBackfill) Backfill(ctx context.Context, rootID, threadID int64) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		WITH RECURSIVE reply_graph(id, depth) AS (
			SELECT id, 0 FROM messages WHERE id = ?
			UNION
			SELECT m.id, g.depth + 1
			FROM messages m
			JOIN reply_graph g ON m.in_reply_to_id = g.id
			WHERE g.depth < ?
		)
		UPDATE messages SET thread_id = ?
		WHERE id IN (SELECT id FROM reply_graph)
		  AND thread_id IS NULL
		  AND channel_id = (SELECT channel_id FROM messages WHERE id = ?)`,
		rootID, b.maxDepth, threadID, rootID)
	if err != nil {
		return 0, fmt.Errorf("backfill thread %d: %w", threadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfill rows affected: %w", err)
	}
	return n, nil
}
