// Package testutil builds throwaway chat databases for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/schema"
	"github.com/leonletto/chatcore/internal/store"
)

// OpenDB returns a migrated database in t.TempDir(), closed on cleanup.
func OpenDB(t *testing.T) *store.DB {
	t.Helper()
	raw, err := schema.OpenDB(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, schema.Migrate(raw))
	db := store.New(raw)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var clock atomic.Int64

// NextTime returns strictly increasing timestamps so fixture order is creation order.
func NextTime() time.Time {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(clock.Add(1)) * time.Second)
}

// UserOpts tweaks CreateUser.
type UserOpts struct {
	Staff        bool
	ChatDisabled bool
	Inactive     bool
	DisplayName  string
}

// CreateUser inserts a user and returns its id.
func CreateUser(t *testing.T, db *store.DB, username string, opts ...UserOpts) int64 {
	t.Helper()
	var o UserOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	res, err := db.ExecContext(context.Background(),
		"INSERT INTO users (username, name, chat_enabled, staff, active) VALUES (?, ?, ?, ?, ?)",
		username, o.DisplayName, !o.ChatDisabled, o.Staff, !o.Inactive)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// CreateChannel inserts an open channel of the given kind.
func CreateChannel(t *testing.T, db *store.DB, name string, kind chat.ChannelKind) int64 {
	t.Helper()
	now := store.FormatTime(NextTime())
	res, err := db.ExecContext(context.Background(),
		"INSERT INTO channels (name, kind, status, created_at, updated_at) VALUES (?, ?, 'open', ?, ?)",
		name, kind, now, now)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// SetChannelStatus updates a channel's status.
func SetChannelStatus(t *testing.T, db *store.DB, channelID int64, status chat.ChannelStatus) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), "UPDATE channels SET status = ? WHERE id = ?", status, channelID)
	require.NoError(t, err)
}

// AddMember makes userID a following member of channelID. Direct channels
// also get a direct_message_users row.
func AddMember(t *testing.T, db *store.DB, userID, channelID int64) {
	t.Helper()
	ctx := context.Background()
	now := store.FormatTime(NextTime())
	_, err := db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, channel_id, following, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)`, userID, channelID, now, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE channels SET user_count = user_count + 1 WHERE id = ?", channelID)
	require.NoError(t, err)

	var kind string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT kind FROM channels WHERE id = ?", channelID).Scan(&kind))
	if chat.ChannelKind(kind) == chat.KindDirect {
		_, err = db.ExecContext(ctx, "INSERT INTO direct_message_users (channel_id, user_id) VALUES (?, ?)", channelID, userID)
		require.NoError(t, err)
	}
}

// Msg describes a message fixture.
type Msg struct {
	ChannelID int64
	UserID    int64
	Text      string
	InReplyTo int64
	ThreadID  int64
}

// InsertMessage writes a message row directly, bypassing the Creator.
func InsertMessage(t *testing.T, db *store.DB, m Msg) int64 {
	t.Helper()
	if m.Text == "" {
		m.Text = "fixture message"
	}
	var replyTo, threadID any
	if m.InReplyTo != 0 {
		replyTo = m.InReplyTo
	}
	if m.ThreadID != 0 {
		threadID = m.ThreadID
	}
	now := store.FormatTime(NextTime())
	res, err := db.ExecContext(context.Background(), `
		INSERT INTO messages (channel_id, user_id, thread_id, in_reply_to_id, message, cooked, last_editor_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChannelID, m.UserID, threadID, replyTo, m.Text, m.Text, m.UserID, now, now)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// CreateThread inserts a thread anchored at originalID and stamps the original message with it.
func CreateThread(t *testing.T, db *store.DB, channelID, originalID int64, title string) int64 {
	t.Helper()
	ctx := context.Background()
	var userID int64
	require.NoError(t, db.QueryRowContext(ctx, "SELECT user_id FROM messages WHERE id = ?", originalID).Scan(&userID))
	now := store.FormatTime(NextTime())
	res, err := db.ExecContext(ctx, `
		INSERT INTO threads (channel_id, original_message_id, original_message_user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, channelID, originalID, userID, title, now, now)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE messages SET thread_id = ? WHERE id = ?", id, originalID)
	require.NoError(t, err)
	return id
}

// CountRows runs a COUNT(*) query.
func CountRows(t *testing.T, db *store.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}
