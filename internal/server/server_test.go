package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/archive"
	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/forum"
	"github.com/leonletto/chatcore/internal/membership"
	"github.com/leonletto/chatcore/internal/message"
	"github.com/leonletto/chatcore/internal/mover"
	"github.com/leonletto/chatcore/internal/policy"
	"github.com/leonletto/chatcore/internal/presence"
	"github.com/leonletto/chatcore/internal/server"
	"github.com/leonletto/chatcore/internal/store"
	"github.com/leonletto/chatcore/internal/testutil"
)

type apiEnv struct {
	db       *store.DB
	archive  *archive.Service
	presence *presence.Memory
	handler  http.Handler
	alice    int64
	admin    int64
	general  int64
	random   int64
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	db := testutil.OpenDB(t)
	guardian := policy.NewStoreGuardian(db)
	cfg := message.Config{MinLength: 1, MaxLength: 500, DuplicateWindow: 10 * time.Second, MaxReplyDepth: 100}
	deps := message.Deps{DB: db, Guardian: guardian, Logger: zerolog.Nop()}
	creator := message.NewCreator(cfg, deps)

	e := &apiEnv{db: db, presence: presence.NewMemory(time.Minute)}
	e.archive = archive.NewService(archive.Config{BatchSize: 100}, db, forum.NewSQLSink(db), nil, zerolog.Nop())
	t.Cleanup(e.archive.Wait)
	e.handler = server.NewRouter(server.Deps{
		DB:         db,
		Creator:    creator,
		Updater:    message.NewUpdater(cfg, deps),
		Mover:      mover.New(db, guardian, creator, nil, zerolog.Nop()),
		Archive:    e.archive,
		Membership: membership.NewService(db, guardian),
		Presence:   e.presence,
		Logger:     zerolog.Nop(),
	})

	e.alice = testutil.CreateUser(t, db, "alice")
	e.admin = testutil.CreateUser(t, db, "admin", testutil.UserOpts{Staff: true})
	e.general = testutil.CreateChannel(t, db, "general", chat.KindCategory)
	e.random = testutil.CreateChannel(t, db, "random", chat.KindCategory)
	for _, ch := range []int64{e.general, e.random} {
		testutil.AddMember(t, db, e.alice, ch)
		testutil.AddMember(t, db, e.admin, ch)
	}
	return e
}

func (e *apiEnv) do(t *testing.T, actor int64, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != 0 {
		req.Header.Set(server.ActorHeader, strconv.FormatInt(actor, 10))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealthAndMetrics(t *testing.T) {
	e := newAPIEnv(t)

	rec, body := e.do(t, 0, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get(server.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	e.handler.ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), "chatcore_http_requests_total")
}

func TestActorRequired(t *testing.T) {
	e := newAPIEnv(t)
	rec, body := e.do(t, 0, http.MethodPost, "/channels/1/messages", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, body["error"], server.ActorHeader)
}

func TestCreateAndUpdateMessage(t *testing.T) {
	e := newAPIEnv(t)
	url := "/channels/" + strconv.FormatInt(e.general, 10) + "/messages"

	rec, body := e.do(t, e.alice, http.MethodPost, url, map[string]any{"message": "hello there", "staged_id": "tmp-1"})
	require.Equal(t, http.StatusCreated, rec.Code, body)
	assert.Equal(t, "tmp-1", body["staged_id"])
	msg := body["message"].(map[string]any)
	assert.Equal(t, "hello there", msg["message"])
	id := int64(msg["id"].(float64))

	present, err := e.presence.Present(t.Context(), []int64{e.alice})
	require.NoError(t, err)
	assert.Contains(t, present, e.alice)

	t.Run("edit", func(t *testing.T) {
		rec, body := e.do(t, e.alice, http.MethodPut, "/messages/"+strconv.FormatInt(id, 10),
			map[string]any{"message": "hello again"})
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, "hello again", body["message"].(map[string]any)["message"])
		assert.NotZero(t, body["revision_id"])
	})

	t.Run("edit by someone else", func(t *testing.T) {
		other := testutil.CreateUser(t, e.db, "mallory")
		rec, body := e.do(t, other, http.MethodPut, "/messages/"+strconv.FormatInt(id, 10),
			map[string]any{"message": "pwned"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "not_allowed", body["code"])
	})

	t.Run("validation", func(t *testing.T) {
		rec, body := e.do(t, e.alice, http.MethodPost, url, map[string]any{"message": "   "})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "validation_failed", body["code"])
		assert.NotEmpty(t, body["details"])
	})

	t.Run("closed channel", func(t *testing.T) {
		testutil.SetChannelStatus(t, e.db, e.random, chat.StatusClosed)
		defer testutil.SetChannelStatus(t, e.db, e.random, chat.StatusOpen)
		rec, body := e.do(t, e.alice, http.MethodPost, "/channels/"+strconv.FormatInt(e.random, 10)+"/messages",
			map[string]any{"message": "anyone?"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "channel_closed", body["code"])
	})

	t.Run("bad path id", func(t *testing.T) {
		rec, _ := e.do(t, e.alice, http.MethodPut, "/messages/abc", map[string]any{"message": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, url, bytes.NewBufferString("{"))
		req.Header.Set(server.ActorHeader, strconv.FormatInt(e.alice, 10))
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMarkRead(t *testing.T) {
	e := newAPIEnv(t)
	first := testutil.InsertMessage(t, e.db, testutil.Msg{ChannelID: e.general, UserID: e.admin})
	second := testutil.InsertMessage(t, e.db, testutil.Msg{ChannelID: e.general, UserID: e.admin})
	url := "/channels/" + strconv.FormatInt(e.general, 10) + "/read"

	rec, body := e.do(t, e.alice, http.MethodPost, url, map[string]any{"message_id": second})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["updated"])

	rec, body = e.do(t, e.alice, http.MethodPost, url, map[string]any{"message_id": first})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["updated"])

	rec, _ = e.do(t, e.alice, http.MethodPost, url, map[string]any{"message_id": 999})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, e.alice, http.MethodPost, url, map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMoveMessages(t *testing.T) {
	e := newAPIEnv(t)
	m1 := testutil.InsertMessage(t, e.db, testutil.Msg{ChannelID: e.general, UserID: e.alice, Text: "one"})
	m2 := testutil.InsertMessage(t, e.db, testutil.Msg{ChannelID: e.general, UserID: e.alice, Text: "two"})
	url := "/channels/" + strconv.FormatInt(e.general, 10) + "/move"

	rec, body := e.do(t, e.alice, http.MethodPost, url, map[string]any{
		"destination_channel_id": e.random,
		"message_ids":            []int64{m1, m2},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_allowed", body["code"])

	rec, body = e.do(t, e.admin, http.MethodPost, url, map[string]any{
		"destination_channel_id": e.random,
		"message_ids":            []int64{m1, m2},
	})
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Len(t, body["message_ids"], 2)
	idMap := body["id_map"].(map[string]any)
	assert.Contains(t, idMap, strconv.FormatInt(m1, 10))
	assert.Contains(t, idMap, strconv.FormatInt(m2, 10))
	assert.NotZero(t, body["placeholder_id"])

	rec, body = e.do(t, e.admin, http.MethodPost, url, map[string]any{
		"destination_channel_id": e.random,
		"message_ids":            []int64{m1},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_messages_found", body["code"])

	rec, body = e.do(t, e.admin, http.MethodPost, url, map[string]any{
		"destination_channel_id": e.general,
		"message_ids":            []int64{m1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_channel", body["code"])
}

func TestArchiveChannel(t *testing.T) {
	e := newAPIEnv(t)
	for range 3 {
		testutil.InsertMessage(t, e.db, testutil.Msg{ChannelID: e.random, UserID: e.alice})
	}
	url := "/channels/" + strconv.FormatInt(e.random, 10) + "/archive"

	rec, body := e.do(t, e.alice, http.MethodPost, url, map[string]any{"topic_title": "Random history"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "not_allowed", body["code"])

	rec, _ = e.do(t, e.admin, http.MethodGet, url, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = e.do(t, e.admin, http.MethodPost, url, map[string]any{"topic_title": "Random history"})
	require.Equal(t, http.StatusAccepted, rec.Code, body)
	assert.Equal(t, float64(3), body["total_messages"])

	e.archive.Wait()
	rec, body = e.do(t, e.admin, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(chat.ArchiveComplete), body["state"])
	assert.Equal(t, float64(3), body["archived_messages"])

	rec, body = e.do(t, e.admin, http.MethodPost, "/channels/"+strconv.FormatInt(e.general, 10)+"/archive", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_failed", body["code"])
}
