// Package websocket pushes live notifications to connected users and accepts
// a small set of JSON-RPC calls from them.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Authenticator resolves the user behind an upgrade request.
type Authenticator func(r *http.Request) (int64, bool)

// Server upgrades HTTP requests to WebSocket connections. It is an
// http.Handler meant to be mounted on the daemon's router.
type Server struct {
	upgrader     websocket.Upgrader
	methods      HandlerRegistry
	clients      *ClientRegistry
	authenticate Authenticator
	logger       zerolog.Logger
	mu           sync.RWMutex
	shutdown     bool
	wg           sync.WaitGroup
	onConnect    func(ctx context.Context, userID int64)
}

// NewServer creates a WebSocket server. methods may be nil.
func NewServer(clients *ClientRegistry, methods HandlerRegistry, auth Authenticator, logger zerolog.Logger) *Server {
	if methods == nil {
		methods = NewMethods()
	}
	return &Server{
		methods:      methods,
		clients:      clients,
		authenticate: auth,
		logger:       logger.With().Str("component", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			// The daemon authenticates through the actor header, not cookies.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// OnConnect registers a callback run after a user's connection is registered.
func (s *Server) OnConnect(fn func(ctx context.Context, userID int64)) {
	s.onConnect = fn
}

// Clients returns the client registry.
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

// ServeHTTP handles the WebSocket upgrade and connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "missing or invalid user", http.StatusUnauthorized)
		return
	}

	// Hold the read lock across both the shutdown check and wg.Add to prevent
	// a race where Stop() calls wg.Wait() between our check and our Add.
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	go s.handleConnection(context.WithoutCancel(r.Context()), conn, userID)
}

// handleConnection manages a single WebSocket connection.
func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID int64) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	wsConn := NewConnection(conn, s)
	s.clients.Register(userID, wsConn)
	s.logger.Debug().Int64("user_id", userID).Msg("websocket connected")
	if s.onConnect != nil {
		s.onConnect(ctx, userID)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- wsConn.ReadLoop(ctx)
	}()
	go func() {
		errCh <- wsConn.WriteLoop(ctx)
	}()

	if err := <-errCh; err != nil {
		s.logger.Debug().Err(err).Int64("user_id", userID).Msg("websocket closed")
	}
	_ = wsConn.Close()
}

// Stop closes every connection and waits for them to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.clients.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("timed out waiting for websocket connections")
	}
}
