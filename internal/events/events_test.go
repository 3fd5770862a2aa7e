package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/jsonl"
)

func TestBusFiltersByType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var created, all []Type
	bus.Subscribe("created-only", func(_ context.Context, ev Event) error {
		created = append(created, ev.Type)
		return nil
	}, MessageCreated)
	bus.Subscribe("everything", func(_ context.Context, ev Event) error {
		all = append(all, ev.Type)
		return nil
	})

	ctx := context.Background()
	bus.Publish(ctx, New(MessageCreated, 1, 2, nil))
	bus.Publish(ctx, New(MessageEdited, 1, 2, nil))

	assert.Equal(t, []Type{MessageCreated}, created)
	assert.Equal(t, []Type{MessageCreated, MessageEdited}, all)
}

func TestBusIsolatesFailingSubscribers(t *testing.T) {
	var logs bytes.Buffer
	bus := NewBus(zerolog.New(&logs))

	delivered := 0
	bus.Subscribe("fails", func(context.Context, Event) error { return errors.New("sink down") })
	bus.Subscribe("panics", func(context.Context, Event) error { panic("boom") })
	bus.Subscribe("works", func(context.Context, Event) error { delivered++; return nil })

	bus.Publish(context.Background(), New(MessagesMoved, 3, 4, nil))

	assert.Equal(t, 1, delivered)
	assert.Contains(t, logs.String(), "sink down")
	assert.Contains(t, logs.String(), "event subscriber panicked")
}

func TestRecorderOfType(t *testing.T) {
	var rec Recorder
	ctx := context.Background()
	rec.Publish(ctx, New(ArchiveStarted, 1, 1, nil))
	rec.Publish(ctx, New(ArchiveCompleted, 1, 1, nil))

	require.Len(t, rec.Events(), 2)
	require.Len(t, rec.OfType(ArchiveCompleted), 1)
	assert.Empty(t, rec.OfType(ArchiveFailed))
}

func TestAuditLogWritesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	audit, err := NewAuditLog(path)
	require.NoError(t, err)

	msg := &chat.Message{ID: 42, ChannelID: 7, UserID: 3, Message: "hello"}
	ev := New(MessageCreated, 7, 3, MessageCreatedPayload{Message: msg})
	require.NoError(t, audit.Handle(context.Background(), ev))

	lines, err := jsonl.ReadAll(path)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var got struct {
		ID      string `json:"event_id"`
		Type    Type   `json:"type"`
		Payload struct {
			Message struct {
				ID int64 `json:"ID"`
			} `json:"message"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, MessageCreated, got.Type)
	assert.Equal(t, int64(42), got.Payload.Message.ID)
}
