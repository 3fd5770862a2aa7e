// Package transport tags a request context with how the request arrived and
// which user is acting.
package transport

import "context"

// Transport represents the type of connection transport.
type Transport int

const (
	// TransportUnknown represents an unknown transport type.
	TransportUnknown Transport = iota
	// TransportHTTP represents a REST request.
	TransportHTTP
	// TransportWebSocket represents a WebSocket connection.
	TransportWebSocket
	// TransportCLI represents an operator command run against the database.
	TransportCLI
)

// String returns the string representation of a transport type.
func (t Transport) String() string {
	switch t {
	case TransportHTTP:
		return "http"
	case TransportWebSocket:
		return "websocket"
	case TransportCLI:
		return "cli"
	default:
		return "unknown"
	}
}

type transportKey struct{}

type actorKey struct{}

// WithTransport returns a new context with the transport type set.
func WithTransport(ctx context.Context, transport Transport) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

// GetTransport retrieves the transport type from the context.
// Returns TransportUnknown if not set.
func GetTransport(ctx context.Context) Transport {
	if t, ok := ctx.Value(transportKey{}).(Transport); ok {
		return t
	}
	return TransportUnknown
}

// WithActor returns a new context carrying the acting user id.
func WithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// Actor returns the acting user id, if one was set.
func Actor(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}
