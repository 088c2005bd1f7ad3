package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/boardfleet/internal/host"
	"github.com/nerrad567/boardfleet/internal/infrastructure/config"
	"github.com/nerrad567/boardfleet/internal/infrastructure/logging"
)

// Frame types on the hub channel.
const (
	FrameInvocation  = "invocation"
	FrameCompletion  = "completion"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameError       = "error"

	// sendBufferSize is the per-client outbound frame buffer.
	sendBufferSize = 256
)

// InboundFrame is a frame sent by a hub client.
type InboundFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Events filters event frames for subscribe and unsubscribe.
	Events []string `json:"events,omitempty"`
}

// CompletionFrame answers one invocation.
type CompletionFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error,omitempty"`
}

// EventFrame carries one controller event.
type EventFrame struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// Hub manages websocket clients and broadcasts events.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	invoke  func(ctx context.Context, name string, params json.RawMessage) (any, error)
	clients map[*hubClient]struct{}
	mu      sync.RWMutex
}

// hubClient is one connected websocket.
type hubClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// A client receives every event until its first subscribe. After that
	// only events holds what it receives, and an empty set means none.
	// Unsubscribing before any subscribe adds to excluded instead.
	events   map[string]struct{}
	excluded map[string]struct{}
	filtered bool
	mu       sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Hosts bind to loopback or a private fleet network.
		return true
	},
}

func newHub(cfg config.WebSocketConfig, logger *logging.Logger, invoke func(context.Context, string, json.RawMessage) (any, error)) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		invoke:  invoke,
		clients: make(map[*hubClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("hub client connected", "clients", h.ClientCount())
}

// unregister removes c. Only the caller that removes it closes the send
// channel, so shutdown cannot double-close.
func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("hub client disconnected", "clients", h.ClientCount())
}

// Emit implements host.EventSink.
func (h *Hub) Emit(e host.Event) {
	h.Broadcast(e.Type, e.Status, e.Time)
}

// Broadcast sends an event frame to every client whose filter admits it.
func (h *Hub) Broadcast(event string, payload any, at time.Time) {
	data, err := json.Marshal(EventFrame{
		Type:      FrameEvent,
		Event:     event,
		Payload:   payload,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.Error("failed to marshal event frame", "error", err)
		return
	}

	// Snapshot under the hub lock, then send without it.
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.wants(event) {
			c.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

// serveWS upgrades the request and starts the client pumps.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		events:   make(map[string]struct{}),
		excluded: make(map[string]struct{}),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("hub read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleFrame(data)
	}
}

func (c *hubClient) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close frame
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame runs on the read goroutine, so invocations of one client
// complete in the order they were sent.
func (c *hubClient) handleFrame(data []byte) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendJSON(CompletionFrame{Type: FrameError, Error: &Error{Code: CodeInvalidRequest, Message: "invalid JSON frame"}})
		return
	}

	switch f.Type {
	case FrameInvocation:
		result, err := c.hub.invoke(context.Background(), f.Method, f.Params)
		reply := CompletionFrame{Type: FrameCompletion, ID: f.ID, Result: result}
		if err != nil {
			reply.Result = nil
			reply.Error = toError(err)
		}
		c.sendJSON(reply)
	case FrameSubscribe:
		c.mu.Lock()
		c.filtered = true
		for _, ev := range f.Events {
			c.events[ev] = struct{}{}
		}
		clear(c.excluded)
		c.mu.Unlock()
		c.sendJSON(CompletionFrame{Type: FrameCompletion, ID: f.ID, Result: map[string]any{"subscribed": f.Events}})
	case FrameUnsubscribe:
		c.mu.Lock()
		for _, ev := range f.Events {
			if c.filtered {
				delete(c.events, ev)
			} else {
				c.excluded[ev] = struct{}{}
			}
		}
		c.mu.Unlock()
		c.sendJSON(CompletionFrame{Type: FrameCompletion, ID: f.ID, Result: map[string]any{"unsubscribed": f.Events}})
	case FramePing:
		c.sendJSON(CompletionFrame{Type: FramePong, ID: f.ID})
	default:
		c.sendJSON(CompletionFrame{Type: FrameError, ID: f.ID, Error: &Error{Code: CodeInvalidRequest, Message: "unknown frame type: " + f.Type}})
	}
}

func (c *hubClient) wants(event string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.filtered {
		_, skip := c.excluded[event]
		return !skip
	}
	_, ok := c.events[event]
	return ok
}

func (c *hubClient) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend drops the frame when the client is slow or already gone.
func (c *hubClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}
