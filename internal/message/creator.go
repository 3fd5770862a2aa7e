package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/events"
	"github.com/leonletto/chatcore/internal/membership"
	"github.com/leonletto/chatcore/internal/mentions"
	"github.com/leonletto/chatcore/internal/metrics"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/uploads"
)

// CreateParams describes a new message.
type CreateParams struct {
	ChannelID   int64
	UserID      int64
	Message     string
	InReplyToID *int64
	ThreadID    *int64
	UploadIDs   []int64

	// CreatedAt overrides the creation time (imports).
	CreatedAt time.Time

	// StagedID is the client's temporary id, echoed back in the result.
	StagedID string

	// Incoming marks system and webhook messages: the capability check and
	// duplicate suppression are skipped. The status gate still applies.
	Incoming bool
}

// CreateResult is the terminal state of a Create call. Exactly one of
// Message and Failure is set.
type CreateResult struct {
	Message   *chat.Message
	Thread    *chat.Thread
	NewThread bool
	Uploads   []chat.Upload
	Mentions  []chat.Mention
	Reach     chat.Reach
	StagedID  string
	Failure   *apperr.Failure
}

// OK reports whether the message was created.
func (r *CreateResult) OK() bool {
	return r.Failure == nil
}

func failed(f *apperr.Failure) *CreateResult {
	return &CreateResult{Failure: f}
}

// Creator persists new messages.
type Creator struct {
	cfg       Config
	deps      Deps
	validator *Validator
	backfill  *ThreadBackfill
	logger    zerolog.Logger
	now       func() time.Time
}

// NewCreator creates a Creator.
func NewCreator(cfg Config, deps Deps) *Creator {
	deps.defaults()
	return &Creator{
		cfg:       cfg,
		deps:      deps,
		validator: NewValidator(cfg),
		backfill:  NewThreadBackfill(deps.DB, cfg.MaxReplyDepth),
		logger:    deps.Logger.With().Str("component", "message_creator").Logger(),
		now:       time.Now,
	}
}

// Create validates and persists a message. Expected rejections come back as
// result.Failure; the error is reserved for store failures.
func (c *Creator) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	res, err := c.create(ctx, p)
	if err != nil {
		return nil, err
	}
	if res.Failure != nil {
		recordFailure("create", res.Failure)
		c.logger.Debug().Int64("channel_id", p.ChannelID).Int64("user_id", p.UserID).
			Str("code", string(res.Failure.Code)).Msg("message rejected")
	}
	res.StagedID = p.StagedID
	return res, nil
}

type threadPlan struct {
	thread *chat.Thread
	// root is the reply chain's original message. With no thread the
	// transaction reuses the live thread rooted there or creates one.
	root *chat.Message
}

func (c *Creator) create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	now := p.CreatedAt
	if now.IsZero() {
		now = c.now()
	}
	now = now.UTC()
	db := c.deps.DB

	channel, err := store.GetChannel(ctx, db, p.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return failed(apperr.NotFound("channel")), nil
	}
	if err != nil {
		return nil, err
	}
	author, err := loadUser(ctx, db, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return failed(apperr.NotAllowed("unknown author")), nil
	}
	if err != nil {
		return nil, err
	}

	// 1. Gates.
	if f, err := c.gate(ctx, channel, author, p.Incoming); f != nil || err != nil {
		if err != nil {
			return nil, err
		}
		return failed(f), nil
	}

	// 2. Uploads.
	var attached []chat.Upload
	if channel.AllowUploads && len(p.UploadIDs) > 0 {
		attached, err = c.deps.Uploads.ResolveOwnedUploads(ctx, p.UploadIDs, author.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve uploads: %w", err)
		}
	}

	// 3. Content.
	reasons, err := c.validator.Validate(ctx, db, Input{
		ChannelID:     channel.ID,
		UserID:        author.ID,
		Text:          p.Message,
		HasUploads:    len(attached) > 0,
		Now:           now,
		SkipDuplicate: p.Incoming,
	})
	if err != nil {
		return nil, err
	}
	if len(reasons) > 0 {
		return failed(apperr.Validation(reasons...)), nil
	}

	// 4 and 5. Reply chain and thread.
	plan, f, err := c.resolveThread(ctx, channel, author, p)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return failed(f), nil
	}

	rendered := cook(c.deps.Renderer, c.logger, p.Message)

	// 6 and 7. Persist.
	var (
		messageID int64
		newThread bool
		refused   *apperr.Failure
		reach     *mentions.Result
		saved     []chat.Mention
	)
	stamp := store.FormatTime(now)
	err = db.InTx(ctx, func(tx *sql.Tx) error {
		if plan.thread == nil && plan.root != nil {
			// Transactions begin immediate, so two replies racing into the
			// same unthreaded chain see each other's thread here.
			thread, err := liveThreadRootedAt(ctx, tx, channel.ID, plan.root.ID)
			if err != nil {
				return err
			}
			if thread != nil {
				if f := threadRefusal(thread, author); f != nil {
					refused = f
					return errRefused
				}
			} else {
				if thread, err = insertThread(ctx, tx, channel.ID, plan.root, stamp); err != nil {
					return err
				}
				newThread = true
			}
			plan.thread = thread
		}

		var threadID *int64
		if plan.thread != nil {
			threadID = &plan.thread.ID
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (channel_id, user_id, thread_id, in_reply_to_id, message, cooked,
				last_editor_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			channel.ID, author.ID, store.NullableInt(threadID), store.NullableInt(p.InReplyToID),
			p.Message, rendered.HTML, author.ID, stamp, stamp)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		messageID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}

		reach = resolveMentions(ctx, &c.deps, tx, mentions.Request{
			Channel:  channel,
			SenderID: author.ID,
			Names:    rendered.Mentions,
		})
		saved, err = mentions.Save(ctx, tx, messageID, reach.Targets, stamp)
		if err != nil {
			return err
		}

		if err := uploads.Attach(ctx, tx, messageID, uploads.IDs(attached), stamp); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM drafts WHERE user_id = ? AND channel_id = ?", author.ID, channel.ID); err != nil {
			return fmt.Errorf("clear draft: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE channels SET last_message_id = ?, last_message_sent_at = ?, updated_at = ?
			WHERE id = ?`, messageID, stamp, stamp, channel.ID); err != nil {
			return fmt.Errorf("bump channel: %w", err)
		}
		if _, err := membership.MarkRead(ctx, tx, author.ID, channel.ID, messageID, now); err != nil {
			return err
		}

		if plan.thread != nil && !newThread {
			if _, err := tx.ExecContext(ctx, `
				UPDATE threads SET replies_count = replies_count + 1, last_message_id = ?, updated_at = ?
				WHERE id = ?`, messageID, stamp, plan.thread.ID); err != nil {
				return fmt.Errorf("bump thread: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, errRefused) {
		return failed(refused), nil
	}
	if err != nil {
		return nil, err
	}

	// The message is committed. The backfill only fills NULLs, so running it
	// on every reply also repairs a chain left unstamped by an earlier crash.
	if plan.thread != nil && plan.root != nil {
		c.finishThread(ctx, plan.thread.ID, plan.root.ID, messageID, newThread)
	}
	if newThread {
		metrics.ThreadsCreated.Inc()
	}

	msg, err := store.GetMessage(ctx, db, messageID)
	if err != nil {
		return nil, err
	}
	var thread *chat.Thread
	if plan.thread != nil {
		if thread, err = store.GetThread(ctx, db, plan.thread.ID); err != nil {
			return nil, err
		}
	}

	metrics.MessagesCreated.WithLabelValues(string(channel.Kind)).Inc()
	c.logger.Debug().Int64("message_id", msg.ID).Int64("channel_id", channel.ID).
		Bool("new_thread", newThread).Int("mentions", len(saved)).Msg("message created")

	c.deps.Events.Publish(ctx, events.New(events.MessageCreated, channel.ID, author.ID, events.MessageCreatedPayload{
		Message:   msg,
		Thread:    thread,
		NewThread: newThread,
		Mentions:  saved,
		Reach:     reach.Reach,
	}))

	return &CreateResult{
		Message:   msg,
		Thread:    thread,
		NewThread: newThread,
		Uploads:   attached,
		Mentions:  saved,
		Reach:     reach.Reach,
	}, nil
}

// gate applies the channel status, direct-message and capability checks.
func (c *Creator) gate(ctx context.Context, channel *chat.Channel, author *chat.User, incoming bool) (*apperr.Failure, error) {
	if f := statusGate(channel, author); f != nil {
		return f, nil
	}
	if incoming {
		return nil, nil
	}
	if channel.IsDirect() {
		ok, err := store.IsDirectMessageUser(ctx, c.deps.DB, channel.ID, author.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return apperr.NotAllowed("you are not part of this conversation"), nil
		}
	}
	ok, err := c.deps.Guardian.CanCreateMessage(ctx, author.ID, channel)
	if err != nil {
		return nil, fmt.Errorf("check create permission: %w", err)
	}
	if !ok {
		return apperr.NotAllowed("you cannot post in this channel"), nil
	}
	return nil, nil
}

// resolveThread decides which thread the new message joins, if any.
func (c *Creator) resolveThread(ctx context.Context, channel *chat.Channel, author *chat.User, p CreateParams) (threadPlan, *apperr.Failure, error) {
	db := c.deps.DB

	var chain *Chain
	if p.InReplyToID != nil {
		var (
			f   *apperr.Failure
			err error
		)
		chain, f, err = WalkReplyChain(ctx, db, *p.InReplyToID, channel.ID, c.cfg.MaxReplyDepth)
		if err != nil || f != nil {
			return threadPlan{}, f, err
		}
	}

	if p.ThreadID != nil {
		thread, err := store.GetThread(ctx, db, *p.ThreadID)
		if errors.Is(err, store.ErrNotFound) {
			return threadPlan{}, apperr.ThreadMismatch("this thread does not belong to this channel"), nil
		}
		if err != nil {
			return threadPlan{}, nil, err
		}
		if thread.ChannelID != channel.ID || thread.DeletedAt != nil {
			return threadPlan{}, apperr.ThreadMismatch("this thread does not belong to this channel"), nil
		}
		if chain != nil && chain.ThreadID != nil && *chain.ThreadID != thread.ID {
			return threadPlan{}, apperr.ThreadMismatch("the message you are replying to belongs to another thread"), nil
		}
		if chain != nil && chain.ThreadID == nil && chain.Root().ID != thread.OriginalMessageID {
			return threadPlan{}, apperr.ThreadMismatch("the message you are replying to is not part of this thread"), nil
		}
		if f := threadRefusal(thread, author); f != nil {
			return threadPlan{}, f, nil
		}
		plan := threadPlan{thread: thread}
		if chain != nil {
			plan.root = chain.Root()
		}
		return plan, nil, nil
	}

	if chain == nil {
		return threadPlan{}, nil, nil
	}

	if chain.ThreadID != nil {
		thread, err := store.GetThread(ctx, db, *chain.ThreadID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return threadPlan{}, nil, err
		case thread.DeletedAt == nil:
			if f := threadRefusal(thread, author); f != nil {
				return threadPlan{}, f, nil
			}
			return threadPlan{thread: thread, root: chain.Root()}, nil, nil
		}
	}
	return threadPlan{root: chain.Root()}, nil, nil
}

// errRefused aborts the write transaction when a policy check inside it fails.
var errRefused = errors.New("create refused")

func threadRefusal(thread *chat.Thread, author *chat.User) *apperr.Failure {
	if thread.Status != chat.ThreadOpen && thread.Status != "" && !author.Staff {
		return apperr.NotAllowed("this thread is " + string(thread.Status))
	}
	return nil
}

// liveThreadRootedAt returns the live thread whose original message is
// rootID, or nil when there is none.
func liveThreadRootedAt(ctx context.Context, tx *sql.Tx, channelID, rootID int64) (*chat.Thread, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM threads
		WHERE channel_id = ? AND original_message_id = ? AND deleted_at IS NULL`,
		channelID, rootID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find thread for root %d: %w", rootID, err)
	}
	return store.GetThread(ctx, tx, id)
}

// finishThread backfills the reply graph and, when the thread is new or the
// backfill found unstamped replies, settles the thread counters.
// Failures are logged: the message is already committed and a rerun is safe.
func (c *Creator) finishThread(ctx context.Context, threadID, rootID, lastID int64, created bool) {
	n, err := c.backfill.Backfill(ctx, rootID, threadID)
	if err != nil {
		c.logger.Error().Err(err).Int64("thread_id", threadID).Int64("root_id", rootID).Msg("thread backfill failed")
		return
	}
	if n == 0 && !created {
		return
	}
	_, err = c.deps.DB.ExecContext(ctx, `
		UPDATE threads SET
			replies_count = MAX((SELECT COUNT(*) FROM messages WHERE thread_id = ? AND deleted_at IS NULL) - 1, 0),
			last_message_id = ?
		WHERE id = ?`, threadID, lastID, threadID)
	if err != nil {
		c.logger.Error().Err(err).Int64("thread_id", threadID).Msg("thread counters not refreshed")
		return
	}
	c.logger.Debug().Int64("thread_id", threadID).Int64("backfilled", n).Bool("created", created).Msg("thread settled")
}

func insertThread(ctx context.Context, tx *sql.Tx, channelID int64, root *chat.Message, stamp string) (*chat.Thread, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO threads (channel_id, original_message_id, original_message_user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, channelID, root.ID, root.UserID, chat.ThreadOpen, stamp, stamp)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("thread id: %w", err)
	}
	return &chat.Thread{
		ID:                    id,
		ChannelID:             channelID,
		OriginalMessageID:     root.ID,
		OriginalMessageUserID: root.UserID,
		Status:                chat.ThreadOpen,
	}, nil
}
