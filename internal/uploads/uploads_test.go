package uploads_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/testutil"
	"github.com/leonletto/chatcore/internal/uploads"
)

func insertUpload(t *testing.T, db *store.DB, userID int64, name string) int64 {
	t.Helper()
	res, err := db.ExecContext(context.Background(),
		"INSERT INTO uploads (user_id, original_filename, url, created_at) VALUES (?, ?, ?, ?)",
		userID, name, "/uploads/"+name, store.FormatTime(testutil.NextTime()))
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestResolveOwnedUploads(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")
	bob := testutil.CreateUser(t, db, "bob")

	a1 := insertUpload(t, db, alice, "a1.png")
	a2 := insertUpload(t, db, alice, "a2.png")
	b1 := insertUpload(t, db, bob, "b1.png")

	s := uploads.NewSQLStore(db)
	got, err := s.ResolveOwnedUploads(ctx, []int64{b1, a2, a1, 12345}, alice)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1, a2}, uploads.IDs(got))

	got, err = s.ResolveOwnedUploads(ctx, nil, alice)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAttachDetachForMessages(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	alice := testutil.CreateUser(t, db, "alice")
	ch := testutil.CreateChannel(t, db, "general", chat.KindCategory)
	msg := testutil.InsertMessage(t, db, testutil.Msg{ChannelID: ch, UserID: alice})
	up := insertUpload(t, db, alice, "doc.pdf")

	now := store.FormatTime(testutil.NextTime())
	require.NoError(t, uploads.Attach(ctx, db, msg, []int64{up}, now))
	require.NoError(t, uploads.Attach(ctx, db, msg, []int64{up}, now), "attach is idempotent")

	byMsg, err := uploads.ForMessages(ctx, db, []int64{msg})
	require.NoError(t, err)
	require.Len(t, byMsg[msg], 1)
	assert.Equal(t, "doc.pdf", byMsg[msg][0].OriginalFilename)

	require.NoError(t, uploads.Detach(ctx, db, msg))
	byMsg, err = uploads.ForMessages(ctx, db, []int64{msg})
	require.NoError(t, err)
	assert.Empty(t, byMsg[msg])
}

func TestChanged(t *testing.T) {
	assert.False(t, uploads.Changed(nil, nil))
	assert.False(t, uploads.Changed([]int64{1, 2}, []int64{2, 1}))
	assert.True(t, uploads.Changed([]int64{1, 2}, []int64{1}))
	assert.True(t, uploads.Changed(nil, []int64{3}))
	assert.True(t, uploads.Changed([]int64{1}, []int64{2}))
}
