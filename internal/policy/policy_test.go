package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/policy"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/testutil"
)

func TestStoreGuardian(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()

	alice := testutil.CreateUser(t, db, "alice")
	bob := testutil.CreateUser(t, db, "bob")
	muted := testutil.CreateUser(t, db, "quiet", testutil.UserOpts{ChatDisabled: true})

	publicID := testutil.CreateChannel(t, db, "general", chat.KindCategory)
	dmID := testutil.CreateChannel(t, db, "alice-dm", chat.KindDirect)
	testutil.AddMember(t, db, alice, dmID)

	public, err := store.GetChannel(ctx, db, publicID)
	require.NoError(t, err)
	dm, err := store.GetChannel(ctx, db, dmID)
	require.NoError(t, err)

	g := policy.NewStoreGuardian(db)

	t.Run("category channel open to chat users", func(t *testing.T) {
		ok, err := g.CanCreateMessage(ctx, bob, public)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("chat disabled user refused", func(t *testing.T) {
		ok, err := g.CanCreateMessage(ctx, muted, public)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown user refused", func(t *testing.T) {
		ok, err := g.CanCreateMessage(ctx, 9999, public)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("direct channel limited to its users", func(t *testing.T) {
		ok, err := g.CanCreateMessage(ctx, alice, dm)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = g.CanModifyMessage(ctx, bob, dm)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("moves need staff", func(t *testing.T) {
		staff := testutil.CreateUser(t, db, "mod", testutil.UserOpts{Staff: true})
		ok, err := g.CanMoveMessages(ctx, staff, public, dm)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = g.CanMoveMessages(ctx, alice, public, dm)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("join", func(t *testing.T) {
		ok, err := g.CanJoinChannel(ctx, bob, public)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = g.CanJoinChannel(ctx, bob, dm)
		require.NoError(t, err)
		assert.False(t, ok)

		closed := *public
		closed.Status = chat.StatusClosed
		ok, err = g.CanJoinChannel(ctx, bob, &closed)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
