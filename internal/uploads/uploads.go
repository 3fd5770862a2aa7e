package uploads

import (
	"context"
	"fmt"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/store"
)

// TargetMessage is the upload_references.target_type for chat messages.
const TargetMessage = "message"

// Store resolves upload ids into upload records.
type Store interface {
	ResolveOwnedUploads(ctx context.Context, ids []int64, ownerID int64) ([]chat.Upload, error)
}

// SQLStore reads uploads from the uploads table.
type SQLStore struct {
	db store.Queryer
}

// NewSQLStore creates an upload store.
func NewSQLStore(db store.Queryer) *SQLStore {
	return &SQLStore{db: db}
}

// ResolveOwnedUploads returns the uploads among ids that belong to ownerID,
// ordered by id. Unknown and foreign ids are dropped silently.
func (s *SQLStore) ResolveOwnedUploads(ctx context.Context, ids []int64, ownerID int64) ([]chat.Upload, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	marks, args := store.Placeholders(ids)
	args = append(args, ownerID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, original_filename, url, filesize
		FROM uploads
		WHERE id IN (`+marks+`) AND user_id = ?
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Upload
	for rows.Next() {
		var u chat.Upload
		if err := rows.Scan(&u.ID, &u.UserID, &u.OriginalFilename, &u.URL, &u.Filesize); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}
	return out, nil
}

// ForMessages returns the uploads attached to each of the given messages.
func ForMessages(ctx context.Context, q store.Queryer, messageIDs []int64) (map[int64][]chat.Upload, error) {
	out := make(map[int64][]chat.Upload)
	if len(messageIDs) == 0 {
		return out, nil
	}

	marks, args := store.Placeholders(messageIDs)
	args = append([]any{TargetMessage}, args...)
	rows, err := q.QueryContext(ctx, `
		SELECT r.target_id, u.id, u.user_id, u.original_filename, u.url, u.filesize
		FROM upload_references r
		JOIN uploads u ON u.id = r.upload_id
		WHERE r.target_type = ? AND r.target_id IN (`+marks+`)
		ORDER BY r.target_id, u.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query message uploads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			messageID int64
			u         chat.Upload
		)
		if err := rows.Scan(&messageID, &u.ID, &u.UserID, &u.OriginalFilename, &u.URL, &u.Filesize); err != nil {
			return nil, fmt.Errorf("scan message upload: %w", err)
		}
		out[messageID] = append(out[messageID], u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message uploads: %w", err)
	}
	return out, nil
}

// Attach links uploads to a message.
func Attach(ctx context.Context, q store.Queryer, messageID int64, uploadIDs []int64, now string) error {
	for _, id := range uploadIDs {
		if _, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO upload_references (upload_id, target_type, target_id, created_at)
			VALUES (?, ?, ?, ?)`, id, TargetMessage, messageID, now); err != nil {
			return fmt.Errorf("attach upload %d: %w", id, err)
		}
	}
	return nil
}

// Detach removes every upload reference of a message.
func Detach(ctx context.Context, q store.Queryer, messageID int64) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM upload_references WHERE target_type = ? AND target_id = ?", TargetMessage, messageID); err != nil {
		return fmt.Errorf("detach uploads: %w", err)
	}
	return nil
}

// IDs returns the ids of uploads.
func IDs(ups []chat.Upload) []int64 {
	ids := make([]int64, len(ups))
	for i, u := range ups {
		ids[i] = u.ID
	}
	return ids
}

// Changed reports whether two id sets differ (non-empty symmetric difference).
func Changed(before, after []int64) bool {
	in := make(map[int64]int, len(before)+len(after))
	for _, id := range before {
		in[id] |= 1
	}
	for _, id := range after {
		in[id] |= 2
	}
	for _, v := range in {
		if v != 3 {
			return true
		}
	}
	return false
}
