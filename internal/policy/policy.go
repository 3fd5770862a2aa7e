// Package policy answers the capability questions the chat services ask
// before touching a channel. The services only enforce channel status; who
// may do what is decided here.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/store"
)

// Guardian is the capability check consulted by the Creator, Updater and Mover.
type Guardian interface {
	CanCreateMessage(ctx context.Context, actorID int64, channel *chat.Channel) (bool, error)
	CanModifyMessage(ctx context.Context, actorID int64, channel *chat.Channel) (bool, error)
	CanJoinChannel(ctx context.Context, actorID int64, channel *chat.Channel) (bool, error)
	CanMoveMessages(ctx context.Context, actorID int64, source, destination *chat.Channel) (bool, error)
}

// StoreGuardian is the default Guardian, backed by the users and
// direct_message_users tables.
type StoreGuardian struct {
	db store.Queryer
}

// NewStoreGuardian creates a guardian reading from db.
func NewStoreGuardian(db store.Queryer) *StoreGuardian {
	return &StoreGuardian{db: db}
}

// CanCreateMessage allows active chat-enabled users; direct channels also
// require the actor to be one of the channel's users.
func (g *StoreGuardian) CanCreateMessage(ctx context.Context, actorID int64, channel *chat.Channel) (bool, error) {
	user, ok, err := g.chatUser(ctx, actorID)
	if err != nil || !ok {
		return false, err
	}
	if channel.IsDirect() {
		return store.IsDirectMessageUser(ctx, g.db, channel.ID, user.ID)
	}
	return true, nil
}

// CanModifyMessage applies the same rules as creation.
func (g *StoreGuardian) CanModifyMessage(ctx context.Context, actorID int64, channel *chat.Channel) (bool, error) {
	return g.CanCreateMessage(ctx, actorID, channel)
}

// CanMoveMessages is reserved for staff: a move deletes other users' messages
// from the source channel.
func (g *StoreGuardian) CanMoveMessages(ctx context.Context, actorID int64, _, _ *chat.Channel) (bool, error) {
	user, ok, err := g.chatUser(ctx, actorID)
	if err != nil || !ok {
		return false, err
	}
	return user.Staff, nil
}

// CanJoinChannel allows chat users to join open category channels.
func (g *StoreGuardian) CanJoinChannel(ctx context.Context, actorID int64, channel *chat.Channel) (bool, error) {
	if channel.IsDirect() || channel.Status != chat.StatusOpen {
		return false, nil
	}
	_, ok, err := g.chatUser(ctx, actorID)
	return ok, err
}

func (g *StoreGuardian) chatUser(ctx context.Context, userID int64) (*chat.User, bool, error) {
	user, err := store.GetUser(ctx, g.db, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load user %d: %w", userID, err)
	}
	return user, user.Active && user.ChatEnabled, nil
}

// AllowAll is a Guardian that says yes to everything.
type AllowAll struct{}

func (AllowAll) CanCreateMessage(context.Context, int64, *chat.Channel) (bool, error) { return true, nil }
func (AllowAll) CanModifyMessage(context.Context, int64, *chat.Channel) (bool, error) { return true, nil }
func (AllowAll) CanJoinChannel(context.Context, int64, *chat.Channel) (bool, error)   { return true, nil }
func (AllowAll) CanMoveMessages(context.Context, int64, *chat.Channel, *chat.Channel) (bool, error) {
	return true, nil
}
