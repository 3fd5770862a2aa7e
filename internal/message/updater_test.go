package message_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/apperr"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/events"
	"github.com/leonletto/chatcore/internal/message"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/testutil"
	"github.com/leonletto/chatcore/internal/uploads"
)

func (e *env) update(t *testing.T, p message.UpdateParams) *message.UpdateResult {
	t.Helper()
	if p.EditorID == 0 {
		p.EditorID = e.alice
	}
	res, err := e.updater.Update(context.Background(), p)
	require.NoError(t, err)
	return res
}

func TestUpdate_WritesRevision(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created := e.create(t, message.CreateParams{Message: "first draft"})
	require.True(t, created.OK())
	id := created.Message.ID

	res := e.update(t, message.UpdateParams{MessageID: id, Message: "second draft"})
	require.True(t, res.OK(), "%v", res.Failure)
	assert.NotZero(t, res.RevisionID)
	assert.Equal(t, "second draft", res.Message.Message)
	assert.Equal(t, "second draft", res.Message.Cooked)

	var oldText, newText string
	var editor int64
	require.NoError(t, e.db.QueryRowContext(ctx,
		"SELECT old_message, new_message, user_id FROM revisions WHERE id = ?", res.RevisionID,
	).Scan(&oldText, &newText, &editor))
	assert.Equal(t, "first draft", oldText)
	assert.Equal(t, "second draft", newText)
	assert.Equal(t, e.alice, editor)

	edited := e.rec.OfType(events.MessageEdited)
	require.Len(t, edited, 1)
	assert.Equal(t, res.RevisionID, edited[0].Payload.(events.MessageEditedPayload).RevisionID)

	t.Run("same content is a no-op", func(t *testing.T) {
		again := e.update(t, message.UpdateParams{MessageID: id, Message: "second draft"})
		require.True(t, again.OK())
		assert.True(t, again.Unchanged)
		assert.Equal(t, 1, testutil.CountRows(t, e.db, "SELECT COUNT(*) FROM revisions WHERE message_id = ?", id))
		assert.Len(t, e.rec.OfType(events.MessageEdited), 1)
	})
}

func TestUpdate_ExemptFromDuplicateSuppression(t *testing.T) {
	e := newEnv(t)
	require.True(t, e.create(t, message.CreateParams{Message: "deploy done"}).OK())
	other := e.create(t, message.CreateParams{Message: "deploy started"})
	require.True(t, other.OK())

	res := e.update(t, message.UpdateParams{MessageID: other.Message.ID, Message: "deploy done"})
	assert.True(t, res.OK(), "%v", res.Failure)
}

func TestUpdate_OnlyNewMentionsNotify(t *testing.T) {
	e := newEnv(t)
	carol := testutil.CreateUser(t, e.db, "carol")
	testutil.AddMember(t, e.db, carol, e.channel)

	created := e.create(t, message.CreateParams{Message: "hey @bob"})
	require.True(t, created.OK())

	res := e.update(t, message.UpdateParams{MessageID: created.Message.ID, Message: "hey @bob and @carol"})
	require.True(t, res.OK(), "%v", res.Failure)
	assert.Equal(t, []chat.Mention{{MessageID: created.Message.ID, TargetType: chat.MentionUser, TargetID: carol}}, res.NewMentions)
	assert.Equal(t, []int64{carol}, res.Reach.Notify)

	res = e.update(t, message.UpdateParams{MessageID: created.Message.ID, Message: "nobody now"})
	require.True(t, res.OK())
	assert.Empty(t, res.NewMentions)
	assert.Equal(t, 2, testutil.CountRows(t, e.db, "SELECT COUNT(*) FROM mentions WHERE message_id = ?", created.Message.ID),
		"mention rows are never removed by an edit")
}

func TestUpdate_Permissions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created := e.create(t, message.CreateParams{Message: "mine"})
	require.True(t, created.OK())
	id := created.Message.ID

	res := e.update(t, message.UpdateParams{EditorID: e.bob, MessageID: id, Message: "hijacked"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, apperr.CodeNotAllowed, res.Failure.Code)

	res = e.update(t, message.UpdateParams{EditorID: e.staff, MessageID: id, Message: "moderated"})
	require.True(t, res.OK(), "%v", res.Failure)
	assert.Equal(t, e.staff, res.Message.LastEditorID)

	testutil.SetChannelStatus(t, e.db, e.channel, chat.StatusClosed)
	res = e.update(t, message.UpdateParams{MessageID: id, Message: "too late"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, apperr.CodeChannelClosed, res.Failure.Code)
	res = e.update(t, message.UpdateParams{EditorID: e.staff, MessageID: id, Message: "staff may"})
	assert.True(t, res.OK(), "%v", res.Failure)

	testutil.SetChannelStatus(t, e.db, e.channel, chat.StatusOpen)
	_, err := e.db.ExecContext(ctx, "UPDATE messages SET deleted_at = ? WHERE id = ?", store.FormatTime(testutil.NextTime()), id)
	require.NoError(t, err)
	res = e.update(t, message.UpdateParams{MessageID: id, Message: "ghost"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, apperr.CodeNotFound, res.Failure.Code)

	res = e.update(t, message.UpdateParams{MessageID: 777777, Message: "ghost"})
	require.NotNil(t, res.Failure)
	assert.Equal(t, apperr.CodeNotFound, res.Failure.Code)

	other := e.create(t, message.CreateParams{Message: "valid"})
	require.True(t, other.OK())
	res = e.update(t, message.UpdateParams{MessageID: other.Message.ID, Message: ""})
	require.NotNil(t, res.Failure)
	assert.Equal(t, apperr.CodeValidationFailed, res.Failure.Code)
}

func TestUpdate_UploadsReplacedOnlyWhenChanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.db.ExecContext(ctx, "UPDATE channels SET allow_uploads = 1 WHERE id = ?", e.channel)
	require.NoError(t, err)

	var ups []int64
	for range 3 {
		res, err := e.db.ExecContext(ctx,
			"INSERT INTO uploads (user_id, original_filename, url, created_at) VALUES (?, 'f', '/f', ?)",
			e.alice, store.FormatTime(testutil.NextTime()))
		require.NoError(t, err)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		ups = append(ups, id)
	}

	created := e.create(t, message.CreateParams{Message: "files", UploadIDs: []int64{ups[0], ups[1]}})
	require.True(t, created.OK(), "%v", created.Failure)
	id := created.Message.ID

	refIDs := func() []int64 {
		var ids []int64
		rows, err := e.db.QueryContext(ctx,
			"SELECT id FROM upload_references WHERE target_type = 'message' AND target_id = ? ORDER BY id", id)
		require.NoError(t, err)
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var v int64
			require.NoError(t, rows.Scan(&v))
			ids = append(ids, v)
		}
		return ids
	}
	original := refIDs()

	res := e.update(t, message.UpdateParams{MessageID: id, Message: "files", UploadIDs: []int64{ups[1], ups[0]}})
	require.True(t, res.OK())
	assert.True(t, res.Unchanged, "same set in another order is not a change")
	assert.Equal(t, original, refIDs(), "reference rows untouched")

	res = e.update(t, message.UpdateParams{MessageID: id, Message: "files", UploadIDs: []int64{ups[2]}})
	require.True(t, res.OK(), "%v", res.Failure)
	assert.False(t, res.Unchanged)
	assert.Zero(t, res.RevisionID, "text did not change")

	byMsg, err := uploads.ForMessages(ctx, e.db, []int64{id})
	require.NoError(t, err)
	assert.Equal(t, []int64{ups[2]}, uploads.IDs(byMsg[id]))
}
