package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, TransportUnknown, GetTransport(ctx))
	assert.Equal(t, "unknown", GetTransport(ctx).String())

	ctx = WithTransport(ctx, TransportWebSocket)
	assert.Equal(t, TransportWebSocket, GetTransport(ctx))
	assert.Equal(t, "websocket", GetTransport(ctx).String())
	assert.Equal(t, "http", TransportHTTP.String())
	assert.Equal(t, "cli", TransportCLI.String())
}

func TestActor(t *testing.T) {
	_, ok := Actor(context.Background())
	assert.False(t, ok)

	id, ok := Actor(WithActor(context.Background(), 42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}
