package websocket

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler handles a JSON-RPC request from a connected user. The acting user
// is available through transport.Actor.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// HandlerRegistry provides access to registered RPC handlers.
type HandlerRegistry interface {
	// GetHandler retrieves a handler by method name.
	// Returns the handler and true if found, nil and false otherwise.
	GetHandler(method string) (Handler, bool)
}

// Methods is an in-memory HandlerRegistry.
type Methods struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMethods creates an empty method table.
func NewMethods() *Methods {
	return &Methods{handlers: make(map[string]Handler)}
}

// Register adds a handler.
func (m *Methods) Register(method string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// GetHandler retrieves a handler by method name.
func (m *Methods) GetHandler(method string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[method]
	return h, ok
}
