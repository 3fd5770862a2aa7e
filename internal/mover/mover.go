// Package mover relocates messages, and the threads they belong to, from one
// category channel to another, repairing every reference on the way.
package mover

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/rs/zerolog"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/events"
	"github.com/leonletto/chatcore/internal/message"
	"github.com/leonletto/chatcore/internal/metrics"
	"github.com/leonletto/chatcore/internal/policy"
	"github.com/leonletto/chatcore/internal/schema"
	"github.com/leonletto/chatcore/internal/store"
)

// Poster creates the placeholder message left behind in the source channel.
type Poster interface {
	Create(ctx context.Context, p message.CreateParams) (*message.CreateResult, error)
}

// MoveParams describes a move.
type MoveParams struct {
	ActorID              int64
	SourceChannelID      int64
	DestinationChannelID int64
	MessageIDs           []int64
}

// MoveResult is the terminal state of a Move call.
type MoveResult struct {
	// MessageIDs are the destination ids, in copy order.
	MessageIDs []int64
	IDMap      *IDMap
	// ThreadIDs maps source thread ids to the destination threads.
	ThreadIDs      map[int64]int64
	FirstMessageID int64
	PlaceholderID  int64
	Failure        *apperr.Failure
}

// OK reports whether the move happened.
func (r *MoveResult) OK() bool {
	return r.Failure == nil
}

// Mover moves messages between channels.
type Mover struct {
	db       *store.DB
	guardian policy.Guardian
	poster   Poster
	events   events.Publisher
	logger   zerolog.Logger
	now      func() time.Time

	// beforeRewrite runs after the copies exist and before references are
	// repointed. Returning an error aborts the move.
	beforeRewrite func() error
}

// New creates a Mover. poster may be nil, in which case no placeholder is posted.
func New(db *store.DB, guardian policy.Guardian, poster Poster, publisher events.Publisher, logger zerolog.Logger) *Mover {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Mover{
		db:       db,
		guardian: guardian,
		poster:   poster,
		events:   publisher,
		logger:   logger.With().Str("component", "mover").Logger(),
		now:      time.Now,
	}
}

// errRejected aborts the transaction when a Failure has been recorded.
var errRejected = errors.New("move rejected")

// Move relocates p.MessageIDs plus every message sharing a thread with them.
// Steps up to the cursor reset run in one transaction; the placeholder post
// afterwards is best effort.
func (mv *Mover) Move(ctx context.Context, p MoveParams) (*MoveResult, error) {
	res, err := mv.move(ctx, p)
	if err != nil {
		return nil, err
	}
	if res.Failure != nil {
		metrics.OperationFailures.WithLabelValues("move", string(res.Failure.Code)).Inc()
		mv.logger.Debug().Int64("source_channel_id", p.SourceChannelID).
			Str("code", string(res.Failure.Code)).Msg("move rejected")
	}
	return res, nil
}

func (mv *Mover) move(ctx context.Context, p MoveParams) (*MoveResult, error) {
	source, dest, f, err := mv.channels(ctx, p)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return &MoveResult{Failure: f}, nil
	}

	now := mv.now().UTC()
	stamp := store.FormatTime(now)
	ids := NewIDMap()
	threads := make(map[int64]int64)
	var failure *apperr.Failure

	err = mv.db.InTx(ctx, func(tx *sql.Tx) error {
		// 1. Expand to whole threads.
		msgs, err := expand(ctx, tx, source.ID, p.MessageIDs)
		if err != nil {
			return err
		}
		// 2.
		if len(msgs) == 0 {
			failure = apperr.NoMessagesFound()
			return errRejected
		}

		// 3. Destination threads, original message fixed in step 7.
		for _, m := range msgs {
			if m.ThreadID == nil {
				continue
			}
			if _, done := threads[*m.ThreadID]; done {
				continue
			}
			newID, err := copyThread(ctx, tx, *m.ThreadID, dest.ID, stamp)
			if err != nil {
				return err
			}
			threads[*m.ThreadID] = newID
		}

		// 4. Copy messages in source order.
		for _, m := range msgs {
			var threadID *int64
			if m.ThreadID != nil {
				t := threads[*m.ThreadID]
				threadID = &t
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO messages (channel_id, user_id, thread_id, message, cooked, last_editor_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				dest.ID, m.UserID, store.NullableInt(threadID), m.Message, m.Cooked, m.LastEditorID, stamp, stamp)
			if err != nil {
				return fmt.Errorf("copy message %d: %w", m.ID, err)
			}
			newID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("copied message id: %w", err)
			}
			ids.Add(m.ID, newID)
		}

		if mv.beforeRewrite != nil {
			if err := mv.beforeRewrite(); err != nil {
				return err
			}
		}

		// 5. Repoint dependent rows.
		if err := ids.load(ctx, tx); err != nil {
			return err
		}
		changed, err := ids.apply(ctx, tx, messageReferences)
		if err != nil {
			return err
		}

		// 6. Retire the originals.
		if err := retireOriginals(ctx, tx, source.ID, p.ActorID, keys(threads), stamp); err != nil {
			return err
		}

		// 7.
		for _, newThread := range threads {
			if err := refreshThread(ctx, tx, newThread, stamp); err != nil {
				return err
			}
		}

		// 8.
		if err := resetCursors(ctx, tx, source.ID); err != nil {
			return err
		}
		if err := refreshLastMessage(ctx, tx, source.ID); err != nil {
			return err
		}
		if err := refreshLastMessage(ctx, tx, dest.ID); err != nil {
			return err
		}

		mv.logger.Debug().Int64("source_channel_id", source.ID).Int64("destination_channel_id", dest.ID).
			Int("messages", ids.Len()).Int("threads", len(threads)).
			Interface("references", changed).Msg("messages copied")
		return ids.drop(ctx, tx)
	})
	if errors.Is(err, errRejected) {
		return &MoveResult{Failure: failure}, nil
	}
	if err != nil {
		return nil, err
	}

	newIDs := ids.New()
	result := &MoveResult{
		MessageIDs:     newIDs,
		IDMap:          ids,
		ThreadIDs:      threads,
		FirstMessageID: newIDs[0],
	}
	metrics.MessagesMoved.Add(float64(ids.Len()))
	mv.logger.Info().Int64("source_channel_id", source.ID).Int64("destination_channel_id", dest.ID).
		Int("messages", ids.Len()).Int64("actor_id", p.ActorID).Msg("messages moved")

	// 9. Best effort: the move is already committed.
	result.PlaceholderID = mv.placeholder(ctx, source, dest, result)

	mv.events.Publish(ctx, events.New(events.MessagesMoved, source.ID, p.ActorID, events.MessagesMovedPayload{
		SourceChannelID:      source.ID,
		DestinationChannelID: dest.ID,
		MessageIDs:           ids.Map(),
		FirstMessageID:       result.FirstMessageID,
	}))
	return result, nil
}

// channels loads and checks both ends of the move.
func (mv *Mover) channels(ctx context.Context, p MoveParams) (*chat.Channel, *chat.Channel, *apperr.Failure, error) {
	if p.SourceChannelID == p.DestinationChannelID {
		return nil, nil, apperr.InvalidChannel("source and destination must differ"), nil
	}
	source, err := store.GetChannel(ctx, mv.db, p.SourceChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.InvalidChannel("source channel not found"), nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	dest, err := store.GetChannel(ctx, mv.db, p.DestinationChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.InvalidChannel("destination channel not found"), nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if source.IsDirect() || dest.IsDirect() {
		return nil, nil, apperr.InvalidChannel("messages can only be moved between category channels"), nil
	}
	if source.Status == chat.StatusReadOnly || source.Status == chat.StatusArchived {
		return nil, nil, apperr.ChannelClosed(string(source.Status)), nil
	}
	if dest.Status != chat.StatusOpen {
		return nil, nil, apperr.ChannelClosed(string(dest.Status)), nil
	}

	ok, err := mv.guardian.CanMoveMessages(ctx, p.ActorID, source, dest)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("check move permission: %w", err)
	}
	if ok {
		ok, err = mv.guardian.CanCreateMessage(ctx, p.ActorID, dest)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("check destination permission: %w", err)
		}
	}
	if !ok {
		return nil, nil, apperr.NotAllowed("you cannot move messages between these channels"), nil
	}
	return source, dest, nil, nil
}

// expand loads the requested live source messages plus every live source
// message sharing a thread with one of them, oldest first.
func expand(ctx context.Context, q store.Queryer, channelID int64, requested []int64) ([]*chat.Message, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	marks, idArgs := store.Placeholders(requested)
	args := []any{channelID}
	args = append(args, idArgs...)
	args = append(args, channelID)
	args = append(args, idArgs...)
	return store.ListMessages(ctx, q, `
		SELECT `+store.MessageColumns+` FROM messages
		WHERE channel_id = ? AND deleted_at IS NULL
		  AND (id IN (`+marks+`)
		       OR thread_id IN (
		           SELECT thread_id FROM messages
		           WHERE channel_id = ? AND id IN (`+marks+`) AND thread_id IS NOT NULL))
		ORDER BY created_at, id`, args...)
}

func copyThread(ctx context.Context, tx *sql.Tx, threadID, destID int64, stamp string) (int64, error) {
	t, err := store.GetThread(ctx, tx, threadID)
	if err != nil {
		return 0, fmt.Errorf("load thread %d: %w", threadID, err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO threads (channel_id, original_message_id, original_message_user_id, title, status,
			replies_count, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?, ?, ?, ?)`,
		destID, t.OriginalMessageUserID, nullString(t.Title), t.Status, t.RepliesCount, stamp, stamp)
	if err != nil {
		return 0, fmt.Errorf("copy thread %d: %w", threadID, err)
	}
	return res.LastInsertId()
}

func retireOriginals(ctx context.Context, tx *sql.Tx, sourceID, actorID int64, oldThreads []int64, stamp string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET deleted_at = ?, deleted_by_id = ?, updated_at = ?
		WHERE id IN (SELECT old_id FROM `+scratchTable+`)`, stamp, actorID, stamp); err != nil {
		return fmt.Errorf("delete moved messages: %w", err)
	}
	if len(oldThreads) > 0 {
		marks, args := store.Placeholders(oldThreads)
		args = append([]any{stamp, stamp}, args...)
		if _, err := tx.ExecContext(ctx,
			"UPDATE threads SET deleted_at = ?, updated_at = ? WHERE id IN ("+marks+")", args...); err != nil {
			return fmt.Errorf("delete moved threads: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET in_reply_to_id = NULL
		WHERE channel_id = ? AND in_reply_to_id IN (SELECT old_id FROM `+scratchTable+`)`, sourceID); err != nil {
		return fmt.Errorf("repair reply chains: %w", err)
	}
	return nil
}

func refreshThread(ctx context.Context, tx *sql.Tx, threadID int64, stamp string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE threads SET
			original_message_id = (SELECT MIN(id) FROM messages WHERE thread_id = threads.id),
			last_message_id = (SELECT MAX(id) FROM messages WHERE thread_id = threads.id),
			original_message_user_id = (
				SELECT user_id FROM messages WHERE thread_id = threads.id ORDER BY id LIMIT 1),
			replies_count = (SELECT COUNT(*) FROM messages WHERE thread_id = threads.id) - 1,
			updated_at = ?
		WHERE id = ?`, stamp, threadID)
	if err != nil {
		return fmt.Errorf("refresh thread %d: %w", threadID, err)
	}
	return nil
}

// resetCursors moves any source read cursor that points at a moved message
// back to the closest earlier live message, or clears it.
func resetCursors(ctx context.Context, tx *sql.Tx, sourceID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE memberships SET last_read_message_id = (
			SELECT MAX(m.id) FROM messages m
			WHERE m.channel_id = memberships.channel_id
			  AND m.deleted_at IS NULL
			  AND m.id < memberships.last_read_message_id)
		WHERE channel_id = ?
		  AND last_read_message_id IN (SELECT old_id FROM `+scratchTable+`)`, sourceID)
	if err != nil {
		return fmt.Errorf("reset read cursors: %w", err)
	}
	return nil
}

func refreshLastMessage(ctx context.Context, tx *sql.Tx, channelID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE channels SET last_message_id = (
			SELECT MAX(id) FROM messages WHERE channel_id = channels.id AND deleted_at IS NULL)
		WHERE id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("refresh last message of channel %d: %w", channelID, err)
	}
	return nil
}

// placeholder posts the system notice in the source channel. Failures are logged only.
func (mv *Mover) placeholder(ctx context.Context, source, dest *chat.Channel, result *MoveResult) int64 {
	if mv.poster == nil {
		return 0
	}
	text := fmt.Sprintf("%s moved to #%s: /chat/c/%s/%d/%d",
		english.Plural(len(result.MessageIDs), "message was", "messages were"),
		dest.Name, dest.Name, dest.ID, result.FirstMessageID)

	res, err := mv.poster.Create(ctx, message.CreateParams{
		ChannelID: source.ID,
		UserID:    schema.SystemUserID,
		Message:   text,
		Incoming:  true,
	})
	switch {
	case err != nil:
		mv.logger.Warn().Err(err).Int64("channel_id", source.ID).Msg("move placeholder not posted")
		return 0
	case res.Failure != nil:
		mv.logger.Warn().Str("code", string(res.Failure.Code)).Int64("channel_id", source.ID).
			Msg("move placeholder rejected")
		return 0
	}
	return res.Message.ID
}

func keys(m map[int64]int64) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
