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
	"github.com/leonletto/chatcore/internal/mentions"
	"github.com/leonletto/chatcore/internal/metrics"
	"github.com/leonletto/chatcore/internal/render"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/uploads"
)

// UpdateParams describes an edit.
type UpdateParams struct {
	EditorID  int64
	MessageID int64
	Message   string

	// UploadIDs replaces the attachment set. Nil leaves it unchanged.
	UploadIDs []int64
}

// UpdateResult is the terminal state of an Update call.
type UpdateResult struct {
	Message     *chat.Message
	RevisionID  int64
	NewMentions []chat.Mention
	Reach       chat.Reach
	Uploads     []chat.Upload

	// Unchanged is set when the edit matched the stored content and uploads.
	Unchanged bool
	Failure   *apperr.Failure
}

// OK reports whether the edit was applied (or was a no-op).
func (r *UpdateResult) OK() bool {
	return r.Failure == nil
}

// Updater edits existing messages.
type Updater struct {
	cfg       Config
	deps      Deps
	validator *Validator
	logger    zerolog.Logger
	now       func() time.Time
}

// NewUpdater creates an Updater.
func NewUpdater(cfg Config, deps Deps) *Updater {
	deps.defaults()
	return &Updater{
		cfg:       cfg,
		deps:      deps,
		validator: NewValidator(cfg),
		logger:    deps.Logger.With().Str("component", "message_updater").Logger(),
		now:       time.Now,
	}
}

// Update applies an edit. Expected rejections come back as result.Failure.
func (u *Updater) Update(ctx context.Context, p UpdateParams) (*UpdateResult, error) {
	res, err := u.update(ctx, p)
	if err != nil {
		return nil, err
	}
	if res.Failure != nil {
		recordFailure("update", res.Failure)
		u.logger.Debug().Int64("message_id", p.MessageID).Int64("editor_id", p.EditorID).
			Str("code", string(res.Failure.Code)).Msg("edit rejected")
	}
	return res, nil
}

func (u *Updater) update(ctx context.Context, p UpdateParams) (*UpdateResult, error) {
	db := u.deps.DB
	now := u.now().UTC()

	msg, err := store.GetMessage(ctx, db, p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return &UpdateResult{Failure: apperr.NotFound("message")}, nil
	}
	if err != nil {
		return nil, err
	}
	if msg.Deleted() {
		return &UpdateResult{Failure: apperr.NotFound("message")}, nil
	}

	editor, err := loadUser(ctx, db, p.EditorID)
	if errors.Is(err, store.ErrNotFound) {
		return &UpdateResult{Failure: apperr.NotAllowed("unknown editor")}, nil
	}
	if err != nil {
		return nil, err
	}
	if editor.ID != msg.UserID && !editor.Staff {
		return &UpdateResult{Failure: apperr.NotAllowed("you cannot edit this message")}, nil
	}

	channel, err := store.GetChannel(ctx, db, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if f := statusGate(channel, editor); f != nil {
		return &UpdateResult{Failure: f}, nil
	}
	ok, err := u.deps.Guardian.CanModifyMessage(ctx, editor.ID, channel)
	if err != nil {
		return nil, fmt.Errorf("check modify permission: %w", err)
	}
	if !ok {
		return &UpdateResult{Failure: apperr.NotAllowed("you cannot edit messages in this channel")}, nil
	}

	current, err := uploads.ForMessages(ctx, db, []int64{msg.ID})
	if err != nil {
		return nil, err
	}
	before := uploads.IDs(current[msg.ID])
	next := current[msg.ID]
	uploadsChanged := false
	if p.UploadIDs != nil {
		next = nil
		if channel.AllowUploads && len(p.UploadIDs) > 0 {
			next, err = u.deps.Uploads.ResolveOwnedUploads(ctx, p.UploadIDs, msg.UserID)
			if err != nil {
				return nil, fmt.Errorf("resolve uploads: %w", err)
			}
		}
		uploadsChanged = uploads.Changed(before, uploads.IDs(next))
	}

	reasons, err := u.validator.Validate(ctx, db, Input{
		ChannelID:     channel.ID,
		UserID:        msg.UserID,
		Text:          p.Message,
		HasUploads:    len(next) > 0,
		Now:           now,
		SkipDuplicate: true,
	})
	if err != nil {
		return nil, err
	}
	if len(reasons) > 0 {
		return &UpdateResult{Failure: apperr.Validation(reasons...)}, nil
	}

	textChanged := p.Message != msg.Message
	if !textChanged && !uploadsChanged {
		return &UpdateResult{Message: msg, Uploads: next, Unchanged: true}, nil
	}

	rendered := render.Rendered{HTML: msg.Cooked}
	if textChanged {
		rendered = cook(u.deps.Renderer, u.logger, p.Message)
	}

	var (
		revisionID int64
		reach      = &mentions.Result{}
		added      []chat.Mention
	)
	stamp := store.FormatTime(now)
	err = db.InTx(ctx, func(tx *sql.Tx) error {
		if textChanged {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO revisions (message_id, old_message, new_message, user_id, created_at)
				VALUES (?, ?, ?, ?, ?)`, msg.ID, msg.Message, p.Message, editor.ID, stamp)
			if err != nil {
				return fmt.Errorf("insert revision: %w", err)
			}
			if revisionID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("revision id: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET message = ?, cooked = ?, last_editor_id = ?, updated_at = ?
			WHERE id = ?`, p.Message, rendered.HTML, editor.ID, stamp, msg.ID); err != nil {
			return fmt.Errorf("update message: %w", err)
		}

		if uploadsChanged {
			if err := uploads.Detach(ctx, tx, msg.ID); err != nil {
				return err
			}
			if err := uploads.Attach(ctx, tx, msg.ID, uploads.IDs(next), stamp); err != nil {
				return err
			}
		}

		if !textChanged {
			return nil
		}
		existing, err := mentions.ForMessage(ctx, tx, msg.ID)
		if err != nil {
			return err
		}
		reach = resolveMentions(ctx, &u.deps, tx, mentions.Request{
			Channel:  channel,
			SenderID: msg.UserID,
			Names:    rendered.Mentions,
			Existing: existing,
		})
		added, err = mentions.Save(ctx, tx, msg.ID, reach.Targets, stamp)
		return err
	})
	if err != nil {
		return nil, err
	}

	updated, err := store.GetMessage(ctx, db, msg.ID)
	if err != nil {
		return nil, err
	}

	metrics.MessagesEdited.Inc()
	u.logger.Debug().Int64("message_id", msg.ID).Int64("editor_id", editor.ID).
		Bool("uploads_changed", uploadsChanged).Int("new_mentions", len(added)).Msg("message edited")

	u.deps.Events.Publish(ctx, events.New(events.MessageEdited, channel.ID, editor.ID, events.MessageEditedPayload{
		Message:     updated,
		NewMentions: added,
		Reach:       reach.Reach,
		RevisionID:  revisionID,
	}))

	return &UpdateResult{
		Message:     updated,
		RevisionID:  revisionID,
		NewMentions: added,
		Reach:       reach.Reach,
		Uploads:     next,
	}, nil
}
