// Package hub fans out topic-scoped events to WebSocket subscribers.
package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Topics clients may subscribe to.
const (
	TopicSites        = "sites.update"
	TopicGraph        = "graph.update"
	TopicActionOutput = "action.output"
	TopicBackups      = "backups.update"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Envelope is the wire format for server-to-client messages.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the wire format for client-to-server messages.
type ClientMessage struct {
	Type   string          `json:"type"`
	Topic  string          `json:"topic,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
}

// ActionStarter receives action.start requests from connected clients.
// Output is streamed back through the hub on the action.output topic.
type ActionStarter interface {
	StartAction(connID string, payload json.RawMessage) error
}

// Config tunes per-connection behavior.
type Config struct {
	// QueueCapacity bounds the per-connection send buffer. A connection
	// whose buffer is full when a publish arrives is dropped.
	QueueCapacity int
	// IdleTimeout closes connections with no reads (including pongs)
	// for this long.
	IdleTimeout time.Duration
}

type connState int

const (
	stateOpen connState = iota
	stateDraining
	stateClosed
)

type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	topics map[string]struct{}

	mu    sync.Mutex
	state connState
}

func (c *conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *conn) setTopic(topic string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.topics[topic] = struct{}{}
	} else {
		delete(c.topics, topic)
	}
}

// enqueue attempts a non-blocking send. Returns false when the buffer is
// full or the connection is no longer open.
func (c *conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// drain moves the connection out of the open state and closes the send
// channel exactly once so writePump can flush and exit.
func (c *conn) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return
	}
	c.state = stateDraining
	close(c.send)
}

// Hub tracks connections and routes published events to subscribers.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	actions  ActionStarter

	mu    sync.RWMutex
	conns map[string]*conn
}

// New creates a hub. actions may be nil, in which case action.start
// requests are rejected.
func New(cfg Config, actions ActionStarter) *Hub {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 32
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth happens before the upgrade; the API is same-origin or
			// token-gated, so cross-origin upgrades are accepted here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		actions: actions,
		conns:   map[string]*conn{},
	}
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Publish fans an envelope out to every connection subscribed to topic.
// Connections whose send buffer is full are dropped.
func (h *Hub) Publish(topic string, data any) {
	env := Envelope{Type: topic, Data: data, Timestamp: time.Now().UTC()}
	msg, err := json.Marshal(env)
	if err != nil {
		log.Printf("[hub] marshal %s: %v", topic, err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(msg) {
			log.Printf("[hub] dropping slow consumer %s on %s", c.id, topic)
			h.remove(c)
		}
	}
}

// PublishTo sends an envelope to a single connection by id, regardless of
// subscriptions. Used for action output targeted at the requester.
func (h *Hub) PublishTo(connID, topic string, data any) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	env := Envelope{Type: topic, Data: data, Timestamp: time.Now().UTC()}
	msg, err := json.Marshal(env)
	if err != nil {
		log.Printf("[hub] marshal %s: %v", topic, err)
		return
	}
	if !c.enqueue(msg) {
		log.Printf("[hub] dropping slow consumer %s on %s", c.id, topic)
		h.remove(c)
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade: %v", err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, h.cfg.QueueCapacity),
		topics: map[string]struct{}{},
	}

	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	log.Printf("[hub] connected %s (%d total)", c.id, n)

	go h.writePump(c)
	h.readPump(c)
}

// Close drops every connection. Called on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[string]*conn{}
	h.mu.Unlock()

	for _, c := range conns {
		c.drain()
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()
	if present {
		log.Printf("[hub] disconnected %s (%d total)", c.id, n)
	}
	c.drain()
}

func (h *Hub) readPump(c *conn) {
	defer func() {
		h.remove(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[hub] read %s: %v", c.id, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(c, "malformed message")
			continue
		}
		h.handleClientMessage(c, msg)
	}
}

func (h *Hub) handleClientMessage(c *conn, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.Topic == "" {
			h.sendError(c, "subscribe requires a topic")
			return
		}
		c.setTopic(msg.Topic, true)
	case "unsubscribe":
		c.setTopic(msg.Topic, false)
	case "ping":
		c.enqueue(mustMarshal(Envelope{Type: "pong", Timestamp: time.Now().UTC()}))
	case "action.start":
		if h.actions == nil {
			h.sendError(c, "actions are not available")
			return
		}
		if err := h.actions.StartAction(c.id, msg.Action); err != nil {
			h.sendError(c, err.Error())
		}
	default:
		h.sendError(c, "unknown message type "+msg.Type)
	}
}

func (h *Hub) sendError(c *conn, message string) {
	c.enqueue(mustMarshal(Envelope{
		Type:      "error",
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().UTC(),
	}))
}

func (h *Hub) writePump(c *conn) {
	pingInterval := h.cfg.IdleTimeout * 2 / 3
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustMarshal(env Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return b
}
