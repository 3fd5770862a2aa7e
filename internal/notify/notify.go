// Package notify fans committed messages out to the users who should hear
// about them: mentioned members, desktop subscribers and thread participants.
package notify

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/events"
	"github.com/leonletto/chatcore/internal/metrics"
	"github.com/leonletto/chatcore/internal/store"
)

// Kind classifies a notification.
type Kind string

const (
	KindMention        Kind = "mention"
	KindDesktop        Kind = "desktop"
	KindInvite         Kind = "invite"
	KindWatching       Kind = "watching"
	KindTooManyMembers Kind = "too_many_members"
	KindArchiveDone    Kind = "archive_complete"
	KindArchiveFailed  Kind = "archive_failed"
)

const previewLength = 100

// Notification is the payload handed to a Sink.
type Notification struct {
	Kind      Kind     `json:"kind"`
	MessageID int64    `json:"message_id"`
	ChannelID int64    `json:"channel_id"`
	ThreadID  *int64   `json:"thread_id,omitempty"`
	AuthorID  int64    `json:"author_id"`
	Preview   string   `json:"preview"`
	Edited    bool     `json:"edited,omitempty"`
	UserIDs   []int64  `json:"user_ids,omitempty"`
	Groups    []string `json:"groups,omitempty"`
}

// Sink delivers notifications. Delivery guarantees are the sink's business.
type Sink interface {
	Notify(ctx context.Context, userIDs []int64, kind Kind, payload any) error
}

// Notifier turns message events into sink calls.
type Notifier struct {
	db     store.Queryer
	sink   Sink
	logger zerolog.Logger
}

// New creates a notifier.
func New(db store.Queryer, sink Sink, logger zerolog.Logger) *Notifier {
	return &Notifier{db: db, sink: sink, logger: logger.With().Str("component", "notifier").Logger()}
}

// Subscribe registers the notifier on bus.
func (n *Notifier) Subscribe(bus *events.Bus) {
	bus.Subscribe("notifier", n.Handle, events.MessageCreated, events.MessageEdited,
		events.ArchiveCompleted, events.ArchiveFailed)
}

// Handle is an events.Handler.
func (n *Notifier) Handle(ctx context.Context, ev events.Event) error {
	switch p := ev.Payload.(type) {
	case events.MessageCreatedPayload:
		return n.created(ctx, p)
	case *events.MessageCreatedPayload:
		return n.created(ctx, *p)
	case events.MessageEditedPayload:
		return n.edited(ctx, p)
	case *events.MessageEditedPayload:
		return n.edited(ctx, *p)
	case events.ArchivePayload:
		return n.archived(ctx, ev.Type, p)
	case *events.ArchivePayload:
		return n.archived(ctx, ev.Type, *p)
	}
	return nil
}

// ArchiveNotification tells the requester how an archive run ended.
type ArchiveNotification struct {
	Kind      Kind   `json:"kind"`
	ArchiveID int64  `json:"archive_id"`
	ChannelID int64  `json:"channel_id"`
	TopicID   *int64 `json:"topic_id,omitempty"`
	Archived  int    `json:"archived_messages"`
	Total     int    `json:"total_messages"`
	Error     string `json:"error,omitempty"`
}

// archived tells the requester that the archive finished or gave up.
// Started events are not forwarded.
func (n *Notifier) archived(ctx context.Context, typ events.Type, p events.ArchivePayload) error {
	a := p.Archive
	if a == nil || a.ArchivedByID <= 0 {
		return nil
	}
	var kind Kind
	switch typ {
	case events.ArchiveCompleted:
		kind = KindArchiveDone
	case events.ArchiveFailed:
		kind = KindArchiveFailed
	default:
		return nil
	}

	payload := ArchiveNotification{
		Kind:      kind,
		ArchiveID: a.ID,
		ChannelID: a.ChannelID,
		TopicID:   a.DestinationTopicID,
		Archived:  a.ArchivedMessages,
		Total:     a.TotalMessages,
		Error:     p.Error,
	}
	if err := n.sink.Notify(ctx, []int64{a.ArchivedByID}, kind, payload); err != nil {
		n.logger.Warn().Err(err).Str("kind", string(kind)).Int64("archive_id", a.ID).
			Msg("notification delivery failed")
		return nil
	}
	metrics.NotificationsSent.WithLabelValues(string(kind)).Inc()
	return nil
}

func (n *Notifier) created(ctx context.Context, p events.MessageCreatedPayload) error {
	msg := p.Message
	if msg == nil {
		return nil
	}
	base := newNotification(msg, false)

	n.reach(ctx, base, p.Reach)

	desktop, err := n.desktopRecipients(ctx, msg, p.Reach.Notify)
	if err != nil {
		return err
	}
	desktop = slices.DeleteFunc(desktop, func(id int64) bool {
		return slices.Contains(p.Reach.Unreachable, id)
	})
	n.send(ctx, desktop, KindDesktop, base)

	if msg.ThreadID != nil && p.Thread != nil && p.Thread.OriginalMessageID != msg.ID {
		watchers, err := n.threadParticipants(ctx, *msg.ThreadID, msg.UserID)
		if err != nil {
			return err
		}
		watchers = slices.DeleteFunc(watchers, func(id int64) bool {
			return slices.Contains(p.Reach.Notify, id) || slices.Contains(p.Reach.Unreachable, id)
		})
		n.send(ctx, watchers, KindWatching, base)
	}
	return nil
}

func (n *Notifier) edited(ctx context.Context, p events.MessageEditedPayload) error {
	if p.Message == nil {
		return nil
	}
	base := newNotification(p.Message, true)
	n.reach(ctx, base, p.Reach)

	desktop, err := FilterDesktop(ctx, n.db, p.Message.ChannelID, p.Reach.Notify)
	if err != nil {
		return err
	}
	n.send(ctx, desktop, KindDesktop, base)
	return nil
}

// reach sends the mention, invite and oversized-group notifications.
func (n *Notifier) reach(ctx context.Context, base Notification, r chat.Reach) {
	n.send(ctx, r.Notify, KindMention, base)

	if len(r.WelcomeToJoin) > 0 {
		invite := base
		invite.UserIDs = r.WelcomeToJoin
		n.send(ctx, []int64{base.AuthorID}, KindInvite, invite)
	}
	if len(r.TooManyMembers) > 0 {
		warn := base
		warn.Groups = r.TooManyMembers
		n.send(ctx, []int64{base.AuthorID}, KindTooManyMembers, warn)
	}
}

func (n *Notifier) send(ctx context.Context, userIDs []int64, kind Kind, payload Notification) {
	if len(userIDs) == 0 {
		return
	}
	payload.Kind = kind
	if err := n.sink.Notify(ctx, userIDs, kind, payload); err != nil {
		n.logger.Warn().Err(err).Str("kind", string(kind)).Int64("message_id", payload.MessageID).
			Int("recipients", len(userIDs)).Msg("notification delivery failed")
		return
	}
	metrics.NotificationsSent.WithLabelValues(string(kind)).Add(float64(len(userIDs)))
}

// desktopRecipients is the mentioned members plus followers whose level is
// "always", minus anyone muted or set to "never", minus the author.
func (n *Notifier) desktopRecipients(ctx context.Context, msg *chat.Message, mentioned []int64) ([]int64, error) {
	members, err := store.ListMemberships(ctx, n.db, msg.ChannelID, true)
	if err != nil {
		return nil, fmt.Errorf("list followers: %w", err)
	}

	var out []int64
	for _, m := range members {
		if m.UserID == msg.UserID || !desktopAllowed(m) {
			continue
		}
		if m.DesktopLevel == chat.NotifyAlways || slices.Contains(mentioned, m.UserID) {
			out = append(out, m.UserID)
		}
	}
	return out, nil
}

// FilterDesktop keeps the users whose membership of channelID allows desktop
// notifications. Users without a membership are dropped.
func FilterDesktop(ctx context.Context, q store.Queryer, channelID int64, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	members, err := store.ListMemberships(ctx, q, channelID, false)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	allowed := make(map[int64]bool, len(members))
	for _, m := range members {
		allowed[m.UserID] = desktopAllowed(m)
	}

	var out []int64
	for _, id := range userIDs {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func desktopAllowed(m *chat.Membership) bool {
	return !m.Muted && m.DesktopLevel != chat.NotifyNever
}

// threadParticipants lists the distinct authors of live messages in a thread, except one.
func (n *Notifier) threadParticipants(ctx context.Context, threadID, except int64) ([]int64, error) {
	rows, err := n.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM messages
		WHERE thread_id = ? AND deleted_at IS NULL AND user_id != ? AND user_id > 0
		ORDER BY user_id`, threadID, except)
	if err != nil {
		return nil, fmt.Errorf("query thread participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func newNotification(msg *chat.Message, edited bool) Notification {
	return Notification{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		AuthorID:  msg.UserID,
		Preview:   Preview(msg.Message),
		Edited:    edited,
	}
}

// Preview truncates text to its first 100 runes.
func Preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLength {
		return text
	}
	return string(r[:previewLength]) + "..."
}
