// Package events carries post-commit notifications from the chat services to
// their subscribers (notifier, websocket push, audit log, metrics).
//
// Services publish only after their transaction has committed, so a
// subscriber failure can never undo a write.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/identity"
)

// Type names an event.
type Type string

const (
	MessageCreated   Type = "message.created"
	MessageEdited    Type = "message.edited"
	MessagesMoved    Type = "messages.moved"
	ArchiveStarted   Type = "archive.started"
	ArchiveCompleted Type = "archive.completed"
	ArchiveFailed    Type = "archive.failed"
)

// Event is one post-commit notification.
type Event struct {
	ID        string    `json:"event_id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ChannelID int64     `json:"channel_id"`
	ActorID   int64     `json:"actor_id"`
	Payload   any       `json:"payload"`
}

// MessageCreatedPayload is the payload of MessageCreated.
type MessageCreatedPayload struct {
	Message   *chat.Message  `json:"message"`
	Thread    *chat.Thread   `json:"thread,omitempty"`
	NewThread bool           `json:"new_thread,omitempty"`
	Mentions  []chat.Mention `json:"mentions,omitempty"`
	Reach     chat.Reach     `json:"reach"`
}

// MessageEditedPayload is the payload of MessageEdited. NewMentions and Reach
// cover only targets that were not mentioned before the edit.
type MessageEditedPayload struct {
	Message     *chat.Message  `json:"message"`
	NewMentions []chat.Mention `json:"new_mentions,omitempty"`
	Reach       chat.Reach     `json:"reach"`
	RevisionID  int64          `json:"revision_id,omitempty"`
}

// MessagesMovedPayload is the payload of MessagesMoved.
type MessagesMovedPayload struct {
	SourceChannelID      int64           `json:"source_channel_id"`
	DestinationChannelID int64           `json:"destination_channel_id"`
	MessageIDs           map[int64]int64 `json:"message_ids"`
	FirstMessageID       int64           `json:"first_message_id"`
}

// ArchivePayload is the payload of the archive events. The requester is the event actor.
type ArchivePayload struct {
	Archive *chat.ChannelArchive `json:"archive"`
	Error   string               `json:"error,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(typ Type, channelID, actorID int64, payload any) Event {
	now := time.Now().UTC()
	return Event{
		ID:        identity.GenerateEventID(now),
		Type:      typ,
		Timestamp: now,
		ChannelID: channelID,
		ActorID:   actorID,
		Payload:   payload,
	}
}

// Publisher receives post-commit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Handler consumes an event. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, ev Event) error

// Bus fans events out to subscribers synchronously, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers []subscription
	logger   zerolog.Logger
}

type subscription struct {
	name  string
	types map[Type]bool // nil means every type
	fn    Handler
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers fn for the given types, or for every type when none are given.
func (b *Bus) Subscribe(name string, fn Handler, types ...Type) {
	var filter map[Type]bool
	if len(types) > 0 {
		filter = make(map[Type]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, subscription{name: name, types: filter, fn: fn})
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers))
	copy(subs, b.handlers)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		b.deliver(ctx, s, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("subscriber", s.name).Str("event_type", string(ev.Type)).
				Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	if err := s.fn(ctx, ev); err != nil {
		b.logger.Warn().Err(err).Str("subscriber", s.name).Str("event_type", string(ev.Type)).
			Str("event_id", ev.ID).Msg("event subscriber failed")
	}
}

// Recorder is a Publisher that keeps every event, for tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records ev.
func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) {}
