// Package membership manages a user's relationship to a channel: joining,
// following, notification preferences and the read cursor.
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/policy"
	"github.com/leonletto/chatcore/internal/store"
)

// Service mutates memberships.
type Service struct {
	db       *store.DB
	guardian policy.Guardian
	now      func() time.Time
}

// NewService creates a membership service.
func NewService(db *store.DB, guardian policy.Guardian) *Service {
	return &Service{db: db, guardian: guardian, now: time.Now}
}

// Join creates (or re-follows) the actor's membership of a channel.
func (s *Service) Join(ctx context.Context, userID, channelID int64) (*chat.Membership, *apperr.Failure, error) {
	channel, err := store.GetChannel(ctx, s.db, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("channel"), nil
	}
	if err != nil {
		return nil, nil, err
	}

	existing, err := store.GetMembership(ctx, s.db, userID, channelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	if existing == nil {
		ok, err := s.guardian.CanJoinChannel(ctx, userID, channel)
		if err != nil {
			return nil, nil, fmt.Errorf("check join permission: %w", err)
		}
		if !ok {
			return nil, apperr.NotAllowed("you cannot join this channel"), nil
		}
	}

	now := store.FormatTime(s.now())
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (user_id, channel_id, following, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT (user_id, channel_id) DO UPDATE SET following = 1, updated_at = excluded.updated_at
			WHERE following = 0`, userID, channelID, now, now)
		if err != nil {
			return fmt.Errorf("upsert membership: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE channels SET user_count = (SELECT COUNT(*) FROM memberships WHERE channel_id = ? AND following = 1)
				WHERE id = ?`, channelID, channelID); err != nil {
				return fmt.Errorf("update user count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m, err := store.GetMembership(ctx, s.db, userID, channelID)
	if err != nil {
		return nil, nil, err
	}
	return m, nil, nil
}

// Unfollow stops following a channel. The membership row and cursor are kept.
func (s *Service) Unfollow(ctx context.Context, userID, channelID int64) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE memberships SET following = 0, updated_at = ? WHERE user_id = ? AND channel_id = ?",
			store.FormatTime(s.now()), userID, channelID); err != nil {
			return fmt.Errorf("unfollow: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE channels SET user_count = (SELECT COUNT(*) FROM memberships WHERE channel_id = ? AND following = 1)
			WHERE id = ?`, channelID, channelID); err != nil {
			return fmt.Errorf("update user count: %w", err)
		}
		return nil
	})
}

// SetNotificationLevel changes the desktop notification level.
func (s *Service) SetNotificationLevel(ctx context.Context, userID, channelID int64, level chat.NotificationLevel) error {
	switch level {
	case chat.NotifyAlways, chat.NotifyMention, chat.NotifyNever:
	default:
		return fmt.Errorf("unknown notification level %q", level)
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE memberships SET desktop_notification_level = ?, updated_at = ? WHERE user_id = ? AND channel_id = ?",
		level, store.FormatTime(s.now()), userID, channelID)
	if err != nil {
		return fmt.Errorf("set notification level: %w", err)
	}
	return nil
}

// SetMuted mutes or unmutes a channel.
func (s *Service) SetMuted(ctx context.Context, userID, channelID int64, muted bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE memberships SET muted = ?, updated_at = ? WHERE user_id = ? AND channel_id = ?",
		muted, store.FormatTime(s.now()), userID, channelID)
	if err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	return nil
}

// MarkRead moves the read cursor forward to messageID. The cursor never moves
// backwards: an older id is accepted and ignored. Returns whether it advanced.
func (s *Service) MarkRead(ctx context.Context, userID, channelID, messageID int64) (bool, *apperr.Failure, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM messages WHERE id = ? AND channel_id = ?)", messageID, channelID,
	).Scan(&exists)
	if err != nil {
		return false, nil, fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return false, apperr.NotFound("message"), nil
	}

	advanced, err := MarkRead(ctx, s.db, userID, channelID, messageID, s.now())
	if err != nil {
		return false, nil, err
	}
	if !advanced {
		if _, err := store.GetMembership(ctx, s.db, userID, channelID); errors.Is(err, store.ErrNotFound) {
			return false, apperr.NotFound("membership"), nil
		}
	}
	return advanced, nil, nil
}

// MarkRead is the single-statement monotonic cursor update, usable inside a transaction.
func MarkRead(ctx context.Context, q store.Queryer, userID, channelID, messageID int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE memberships SET last_read_message_id = ?, updated_at = ?
		WHERE user_id = ? AND channel_id = ?
		  AND (last_read_message_id IS NULL OR last_read_message_id < ?)`,
		messageID, store.FormatTime(now), userID, channelID, messageID)
	if err != nil {
		return false, fmt.Errorf("update read cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read cursor rows affected: %w", err)
	}
	return n > 0, nil
}

// UnreadCount counts live messages by other users after the read cursor.
func (s *Service) UnreadCount(ctx context.Context, userID, channelID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		JOIN memberships mm ON mm.channel_id = m.channel_id AND mm.user_id = ?
		WHERE m.channel_id = ? AND m.deleted_at IS NULL AND m.user_id != ?
		  AND m.id > COALESCE(mm.last_read_message_id, 0)`, userID, channelID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
