package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/leonletto/chatcore/internal/metrics"
	"github.com/leonletto/chatcore/internal/notify"
)

// ClientRegistry tracks connected WebSocket clients by user. A user may hold
// several connections (tabs, devices); each gets every notification.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[int64]map[*Connection]struct{}
}

// NewClientRegistry creates a new client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[int64]map[*Connection]struct{}),
	}
}

// Register adds a connection for userID.
func (r *ClientRegistry) Register(userID int64, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn.userID = userID
	set, ok := r.clients[userID]
	if !ok {
		set = make(map[*Connection]struct{})
		r.clients[userID] = set
	}
	set[conn] = struct{}{}
	metrics.WebSocketClients.Inc()
}

// Unregister removes a connection.
func (r *ClientRegistry) Unregister(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.clients[conn.userID]
	if !ok {
		return
	}
	if _, ok := set[conn]; !ok {
		return
	}
	delete(set, conn)
	metrics.WebSocketClients.Dec()
	if len(set) == 0 {
		delete(r.clients, conn.userID)
	}
}

// Connected reports whether userID has at least one open connection.
func (r *ClientRegistry) Connected(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[userID]) > 0
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.clients {
		n += len(set)
	}
	return n
}

// CloseAll closes all client connections.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	var conns []*Connection
	for _, set := range r.clients {
		for c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()

	// Close unregisters, so it must run without the lock held.
	for _, c := range conns {
		_ = c.Close()
	}
}

func (r *ClientRegistry) connections(userID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.clients[userID]
	out := make([]*Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Notify pushes a JSON-RPC notification to every connection of every user in
// userIDs. Users without a connection are skipped; they will see the message
// when they next load the channel.
func (r *ClientRegistry) Notify(_ context.Context, userIDs []int64, kind notify.Kind, payload any) error {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify." + string(kind),
		"params":  payload,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var errs []error
	for _, id := range userIDs {
		for _, conn := range r.connections(id) {
			if err := conn.Send(data); err != nil {
				// Dropping a slow client closes its socket so it reconnects
				// instead of silently missing notifications.
				_ = conn.Close()
				errs = append(errs, fmt.Errorf("send to user %d: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
