package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/notify"
	"github.com/leonletto/chatcore/internal/transport"
	ws "github.com/leonletto/chatcore/internal/websocket"
)

func headerAuth(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	return id, err == nil && id > 0
}

type harness struct {
	server  *ws.Server
	clients *ws.ClientRegistry
	url     string
}

func newHarness(t *testing.T, methods *ws.Methods) *harness {
	t.Helper()
	clients := ws.NewClientRegistry()
	var registry ws.HandlerRegistry
	if methods != nil {
		registry = methods
	}
	server := ws.NewServer(clients, registry, headerAuth, zerolog.Nop())
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Stop()
		httpServer.Close()
	})
	return &harness{
		server:  server,
		clients: clients,
		url:     "ws" + strings.TrimPrefix(httpServer.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	conn, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestUpgradeRequiresUser(t *testing.T) {
	h := newHarness(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestNotifyReachesEveryConnectionOfAUser(t *testing.T) {
	h := newHarness(t, nil)
	tab1 := h.dial(t, 7)
	tab2 := h.dial(t, 7)
	other := h.dial(t, 8)
	waitFor(t, func() bool { return h.clients.Count() == 3 })
	assert.True(t, h.clients.Connected(7))
	assert.False(t, h.clients.Connected(9))

	payload := notify.Notification{MessageID: 11, ChannelID: 2, AuthorID: 8, Preview: "hi @seven"}
	require.NoError(t, h.clients.Notify(context.Background(), []int64{7, 9}, notify.KindMention, payload))

	for _, conn := range []*websocket.Conn{tab1, tab2} {
		msg := readJSON(t, conn)
		assert.Equal(t, "2.0", msg["jsonrpc"])
		assert.Equal(t, "notify.mention", msg["method"])
		params := msg["params"].(map[string]any)
		assert.Equal(t, float64(11), params["message_id"])
		assert.Equal(t, "hi @seven", params["preview"])
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "user 8 was not notified")
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, 3)
	waitFor(t, func() bool { return h.clients.Connected(3) })

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return !h.clients.Connected(3) })
	assert.Zero(t, h.clients.Count())
}

func TestJSONRPCMethods(t *testing.T) {
	methods := ws.NewMethods()
	methods.Register("whoami", func(ctx context.Context, _ json.RawMessage) (any, error) {
		id, _ := transport.Actor(ctx)
		return map[string]any{"user_id": id, "transport": transport.GetTransport(ctx).String()}, nil
	})
	methods.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("not today")
	})
	h := newHarness(t, methods)
	conn := h.dial(t, 5)

	require.NoError(t, conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "whoami", "id": 1}))
	resp := readJSON(t, conn)
	assert.Equal(t, float64(1), resp["id"])
	result := resp["result"].(map[string]any)
	assert.Equal(t, float64(5), result["user_id"])
	assert.Equal(t, "websocket", result["transport"])

	tests := []struct {
		name string
		req  map[string]any
		code float64
	}{
		{"unknown method", map[string]any{"jsonrpc": "2.0", "method": "nope", "id": 2}, -32601},
		{"bad version", map[string]any{"jsonrpc": "1.0", "method": "whoami", "id": 3}, -32600},
		{"handler error", map[string]any{"jsonrpc": "2.0", "method": "fail", "id": 4}, -32000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tt.req))
			resp := readJSON(t, conn)
			errObj := resp["error"].(map[string]any)
			assert.Equal(t, tt.code, errObj["code"])
		})
	}

	t.Run("batch", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`[{"jsonrpc":"2.0","method":"whoami","id":10},{"jsonrpc":"2.0","method":"nope","id":11}]`)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var batch []map[string]any
		require.NoError(t, conn.ReadJSON(&batch))
		require.Len(t, batch, 2)
		assert.NotNil(t, batch[0]["result"])
		assert.NotNil(t, batch[1]["error"])
	})

	t.Run("parse error", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
		resp := readJSON(t, conn)
		assert.Equal(t, float64(-32700), resp["error"].(map[string]any)["code"])
	})
}

func TestOnConnectAndStop(t *testing.T) {
	h := newHarness(t, nil)
	connected := make(chan int64, 1)
	h.server.OnConnect(func(_ context.Context, userID int64) { connected <- userID })

	h.dial(t, 12)
	select {
	case id := <-connected:
		assert.Equal(t, int64(12), id)
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}

	h.server.Stop()
	assert.Zero(t, h.clients.Count())

	header := http.Header{}
	header.Set("X-User-ID", "12")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}
