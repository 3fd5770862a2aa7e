package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/leonletto/chatcore/internal/chat"
)

const channelColumns = `id, name, kind, status, category_id, allow_uploads, last_message_id,
	last_message_sent_at, user_count, created_at, updated_at`

// GetChannel loads a channel by id.
func GetChannel(ctx context.Context, q Queryer, id int64) (*chat.Channel, error) {
	var (
		c          chat.Channel
		categoryID sql.NullInt64
		lastMsgID  sql.NullInt64
		lastSentAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := q.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id).Scan(
		&c.ID, &c.Name, &c.Kind, &c.Status, &categoryID, &c.AllowUploads, &lastMsgID,
		&lastSentAt, &c.UserCount, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	c.CategoryID = nullInt(categoryID)
	c.LastMessageID = nullInt(lastMsgID)
	if c.LastMessageSentAt, err = parseNullTime(lastSentAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// MessageColumns is the select list understood by ScanMessage.
const MessageColumns = `id, channel_id, user_id, thread_id, in_reply_to_id, message, cooked,
	last_editor_id, deleted_at, deleted_by_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// ScanMessage scans a row selected with MessageColumns.
func ScanMessage(row rowScanner) (*chat.Message, error) {
	var (
		m         chat.Message
		threadID  sql.NullInt64
		replyTo   sql.NullInt64
		deletedAt sql.NullString
		deletedBy sql.NullInt64
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&m.ID, &m.ChannelID, &m.UserID, &threadID, &replyTo, &m.Message, &m.Cooked,
		&m.LastEditorID, &deletedAt, &deletedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.ThreadID = nullInt(threadID)
	m.InReplyToID = nullInt(replyTo)
	m.DeletedByID = nullInt(deletedBy)
	var err error
	if m.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage loads a message by id, including soft-deleted ones.
func GetMessage(ctx context.Context, q Queryer, id int64) (*chat.Message, error) {
	m, err := ScanMessage(q.QueryRowContext(ctx, "SELECT "+MessageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// ListMessages runs a query selecting MessageColumns and scans every row.
func ListMessages(ctx context.Context, q Queryer, query string, args ...any) ([]*chat.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*chat.Message
	for rows.Next() {
		m, err := ScanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

const threadColumns = `id, channel_id, original_message_id, original_message_user_id, title, status,
	replies_count, last_message_id, deleted_at, created_at, updated_at`

// GetThread loads a thread by id, including soft-deleted ones.
func GetThread(ctx context.Context, q Queryer, id int64) (*chat.Thread, error) {
	var (
		t         chat.Thread
		title     sql.NullString
		lastMsg   sql.NullInt64
		deletedAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := q.QueryRowContext(ctx, "SELECT "+threadColumns+" FROM threads WHERE id = ?", id).Scan(
		&t.ID, &t.ChannelID, &t.OriginalMessageID, &t.OriginalMessageUserID, &title, &t.Status,
		&t.RepliesCount, &lastMsg, &deletedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	t.Title = title.String
	t.LastMessageID = nullInt(lastMsg)
	if t.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetUser loads a user by id.
func GetUser(ctx context.Context, q Queryer, id int64) (*chat.User, error) {
	var u chat.User
	err := q.QueryRowContext(ctx,
		"SELECT id, username, name, chat_enabled, staff, active FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.Name, &u.ChatEnabled, &u.Staff, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// GetMembership loads the membership of a user in a channel.
func GetMembership(ctx context.Context, q Queryer, userID, channelID int64) (*chat.Membership, error) {
	var (
		m        chat.Membership
		lastRead sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, channel_id, following, last_read_message_id, desktop_notification_level, muted
		FROM memberships WHERE user_id = ? AND channel_id = ?
	`, userID, channelID).Scan(&m.ID, &m.UserID, &m.ChannelID, &m.Following, &lastRead, &m.DesktopLevel, &m.Muted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query membership: %w", err)
	}
	m.LastReadMessageID = nullInt(lastRead)
	return &m, nil
}

// ListMemberships returns the memberships of a channel, optionally limited to followers.
func ListMemberships(ctx context.Context, q Queryer, channelID int64, followingOnly bool) ([]*chat.Membership, error) {
	query := `
		SELECT id, user_id, channel_id, following, last_read_message_id, desktop_notification_level, muted
		FROM memberships WHERE channel_id = ?`
	if followingOnly {
		query += " AND following = 1"
	}
	query += " ORDER BY user_id"

	rows, err := q.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*chat.Membership
	for rows.Next() {
		var (
			m        chat.Membership
			lastRead sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChannelID, &m.Following, &lastRead, &m.DesktopLevel, &m.Muted); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.LastReadMessageID = nullInt(lastRead)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return out, nil
}

// IsDirectMessageUser reports whether a user belongs to a direct-message channel's user set.
func IsDirectMessageUser(ctx context.Context, q Queryer, channelID, userID int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM direct_message_users WHERE channel_id = ? AND user_id = ?)",
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query direct message users: %w", err)
	}
	return exists, nil
}

const archiveColumns = `id, channel_id, archived_by_id, state, destination_topic_id, destination_topic_title,
	destination_category_id, destination_tags, total_messages, archived_messages, archive_error,
	created_at, updated_at`

// GetChannelArchive loads the archive record of a channel.
func GetChannelArchive(ctx context.Context, q Queryer, channelID int64) (*chat.ChannelArchive, error) {
	a, err := scanArchive(q.QueryRowContext(ctx,
		"SELECT "+archiveColumns+" FROM channel_archives WHERE channel_id = ?", channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel archive: %w", err)
	}
	return a, nil
}

// ListChannelArchives returns archive records in the given state, oldest first.
func ListChannelArchives(ctx context.Context, q Queryer, state chat.ArchiveState) ([]*chat.ChannelArchive, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+archiveColumns+" FROM channel_archives WHERE state = ? ORDER BY id", state)
	if err != nil {
		return nil, fmt.Errorf("query channel archives: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*chat.ChannelArchive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel archive: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel archives: %w", err)
	}
	return out, nil
}

func scanArchive(row rowScanner) (*chat.ChannelArchive, error) {
	var (
		a          chat.ChannelArchive
		topicID    sql.NullInt64
		title      sql.NullString
		categoryID sql.NullInt64
		tags       string
		archiveErr sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&a.ID, &a.ChannelID, &a.ArchivedByID, &a.State, &topicID, &title, &categoryID,
		&tags, &a.TotalMessages, &a.ArchivedMessages, &archiveErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.DestinationTopicID = nullInt(topicID)
	a.DestinationTopicTitle = title.String
	a.DestinationCategoryID = nullInt(categoryID)
	a.DestinationTags = SplitTags(tags)
	a.Error = archiveErr.String
	var err error
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// JoinTags stores a tag list as a comma-separated column.
func JoinTags(tags []string) string {
	return strings.Join(tags, ",")
}

// SplitTags is the inverse of JoinTags.
func SplitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Placeholders returns "?, ?, ?" with n markers and the ids as driver args.
func Placeholders(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}
