// Package message creates and edits chat messages: channel gates, content
// validation, reply-chain and thread resolution, mentions and uploads.
package message

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/config"
	"github.com/leonletto/chatcore/internal/events"
	"github.com/leonletto/chatcore/internal/mentions"
	"github.com/leonletto/chatcore/internal/metrics"
	"github.com/leonletto/chatcore/internal/policy"
	"github.com/leonletto/chatcore/internal/render"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/uploads"
)

// Config holds the content rules.
type Config struct {
	MinLength       int
	MaxLength       int
	DuplicateWindow time.Duration
	BannedWords     []string
	MaxReplyDepth   int
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.MessageConfig) Config {
	return Config{
		MinLength:       c.MinLength,
		MaxLength:       c.MaxLength,
		DuplicateWindow: c.DuplicateWindow.Std(),
		BannedWords:     c.BannedWords,
		MaxReplyDepth:   c.MaxReplyDepth,
	}
}

// Deps are the collaborators shared by the Creator and the Updater.
// Nil Renderer, Events and Uploads fall back to render.Default, events.Nop
// and the SQL upload store.
type Deps struct {
	DB       *store.DB
	Guardian policy.Guardian
	Uploads  uploads.Store
	Renderer render.Renderer
	Mentions *mentions.Resolver
	Events   events.Publisher
	Logger   zerolog.Logger
}

func (d *Deps) defaults() {
	if d.Guardian == nil {
		d.Guardian = policy.NewStoreGuardian(d.DB)
	}
	if d.Uploads == nil {
		d.Uploads = uploads.NewSQLStore(d.DB)
	}
	if d.Renderer == nil {
		d.Renderer = render.Default{}
	}
	if d.Mentions == nil {
		d.Mentions = mentions.NewResolver(d.DB, d.Guardian, nil, 0)
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
}

// statusGate enforces the channel status. Staff may still write in closed channels.
func statusGate(channel *chat.Channel, actor *chat.User) *apperr.Failure {
	switch channel.Status {
	case chat.StatusOpen:
		return nil
	case chat.StatusClosed:
		if actor.Staff {
			return nil
		}
	}
	return apperr.ChannelClosed(string(channel.Status))
}

// cook renders raw content. Renderer failures degrade to escaped raw text
// with no mentions.
func cook(r render.Renderer, logger zerolog.Logger, raw string) render.Rendered {
	out, err := r.Render(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("render failed, storing raw content")
		return render.Rendered{HTML: html.EscapeString(raw)}
	}
	return out
}

// resolveMentions never fails the write: a resolver error yields no mentions.
func resolveMentions(ctx context.Context, deps *Deps, q store.Queryer, req mentions.Request) *mentions.Result {
	res, err := deps.Mentions.Resolve(ctx, q, req)
	if err != nil {
		deps.Logger.Warn().Err(err).Int64("channel_id", req.Channel.ID).Msg("mention resolution failed")
		return &mentions.Result{}
	}
	return res
}

func recordFailure(operation string, f *apperr.Failure) {
	if f != nil {
		metrics.OperationFailures.WithLabelValues(operation, string(f.Code)).Inc()
	}
}

func loadUser(ctx context.Context, q store.Queryer, id int64) (*chat.User, error) {
	u, err := store.GetUser(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	return u, nil
}
