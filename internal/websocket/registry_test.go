package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonletto/chatcore/internal/notify"
)

// stalledConnection returns a registered server-side connection whose write
// loop never runs, plus the client end of the socket.
func stalledConnection(t *testing.T, clients *ClientRegistry, userID int64) (*Connection, *websocket.Conn) {
	t.Helper()
	server := NewServer(clients, nil, nil, zerolog.Nop())
	accepted := make(chan *websocket.Conn, 1)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := server.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(httpServer.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = client.Close() })

	var serverSide *websocket.Conn
	select {
	case serverSide = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
	}
	conn := NewConnection(serverSide, server)
	clients.Register(userID, conn)
	return conn, client
}

func TestNotifyClosesClientWithFullBuffer(t *testing.T) {
	clients := NewClientRegistry()
	conn, client := stalledConnection(t, clients, 5)
	for range sendBuffer {
		require.NoError(t, conn.Send([]byte(`{}`)))
	}

	err := clients.Notify(context.Background(), []int64{5}, notify.KindMention, notify.Notification{MessageID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBufferFull)
	assert.False(t, clients.Connected(5))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "timeout", "the socket is closed, not left idle")

	assert.ErrorIs(t, conn.Send([]byte(`{}`)), errClosed)
}
