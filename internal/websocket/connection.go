package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leonletto/chatcore/internal/transport"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 256
)

var (
	errClosed     = errors.New("connection closed")
	errBufferFull = errors.New("send buffer full")
)

// Connection represents a WebSocket connection with JSON-RPC handling.
type Connection struct {
	conn   *websocket.Conn
	server *Server
	userID int64
	sendCh chan []byte
	mu     sync.Mutex
	closed bool
}

// NewConnection creates a new WebSocket connection wrapper.
func NewConnection(conn *websocket.Conn, server *Server) *Connection {
	return &Connection{
		conn:   conn,
		server: server,
		sendCh: make(chan []byte, sendBuffer),
	}
}

// UserID returns the user this connection belongs to.
func (c *Connection) UserID() int64 {
	return c.userID
}

// ReadLoop reads messages from the WebSocket connection.
func (c *Connection) ReadLoop(ctx context.Context) error {
	defer func() {
		_ = c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return fmt.Errorf("read error: %w", err)
			}
			return nil
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := c.handleRequest(ctx, message); err != nil {
			c.server.logger.Debug().Err(err).Int64("user_id", c.userID).Msg("websocket request failed")
		}
	}
}

// WriteLoop writes messages to the WebSocket connection.
func (c *Connection) WriteLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case message, ok := <-c.sendCh:
			if !ok {
				return nil
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}

// Send queues a message to be sent to the client.
func (c *Connection) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return errBufferFull
	}
}

// Close closes the WebSocket connection and unregisters it.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.sendCh)
	c.mu.Unlock()

	c.server.clients.Unregister(c)
	return c.conn.Close()
}

// handleRequest processes a JSON-RPC request (single or batch).
func (c *Connection) handleRequest(ctx context.Context, data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return c.handleBatchRequest(ctx, data)
	}
	return c.handleSingleRequest(ctx, data)
}

func (c *Connection) handleSingleRequest(ctx context.Context, data []byte) error {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return c.send(errorResponse(nil, codeParseError, "Parse error", err.Error()))
	}
	return c.send(c.processSingleRequest(ctx, req))
}

func (c *Connection) handleBatchRequest(ctx context.Context, data []byte) error {
	var requests []jsonRPCRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		return c.send(errorResponse(nil, codeParseError, "Parse error", err.Error()))
	}
	if len(requests) == 0 {
		return c.send(errorResponse(nil, codeInvalidRequest, "Invalid request", "batch request cannot be empty"))
	}

	responses := make([]jsonRPCResponse, len(requests))
	for i, req := range requests {
		responses[i] = c.processSingleRequest(ctx, req)
	}
	return c.send(responses)
}

// processSingleRequest runs one request and returns the response without sending it.
func (c *Connection) processSingleRequest(ctx context.Context, req jsonRPCRequest) jsonRPCResponse {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, codeInvalidRequest, "Invalid request", "jsonrpc field must be '2.0'")
	}

	handler, ok := c.server.methods.GetHandler(req.Method)
	if !ok {
		return errorResponse(req.ID, codeMethodNotFound, "Method not found",
			fmt.Sprintf("method '%s' is not registered", req.Method))
	}

	// Clients may omit params entirely.
	params := req.Params
	if params == nil {
		params = json.RawMessage("{}")
	}

	hctx := transport.WithActor(transport.WithTransport(ctx, transport.TransportWebSocket), c.userID)
	result, err := handler(hctx, params)
	if err != nil {
		return errorResponse(req.ID, codeServerError, err.Error(), nil)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, codeInternalError, "Internal error", err.Error())
	}
	return jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: resultJSON}
}

func (c *Connection) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return c.Send(data)
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
	codeServerError    = -32000
)

func errorResponse(id *json.RawMessage, code int, message string, data any) jsonRPCResponse {
	return jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonRPCError{Code: code, Message: message, Data: data},
	}
}

// JSON-RPC 2.0 request structure.
type jsonRPCRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// JSON-RPC 2.0 response structure.
type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *jsonRPCError    `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// JSON-RPC 2.0 error structure.
type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
