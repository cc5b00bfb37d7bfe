// Package health maintains a live view of Uptime-Kuma monitors over its
// socket.io websocket protocol.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/model"
)

const (
	reconnectInitial = 2 * time.Second
	reconnectMax     = 60 * time.Second
	ackTimeout       = 10 * time.Second
	dialTimeout      = 10 * time.Second
)

// Config locates the Uptime-Kuma instance.
type Config struct {
	URL      string
	Username string
	Password string
	// HeartbeatWindow is how many recent heartbeats feed the uptime ratio.
	HeartbeatWindow int
}

// Monitor is an Uptime-Kuma monitor definition.
type Monitor struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// Heartbeat is a single check result. Status 1 means up.
type Heartbeat struct {
	MonitorID int      `json:"monitorID"`
	Status    int      `json:"status"`
	Ping      *int     `json:"ping"`
	Time      string   `json:"time"`
	Msg       string   `json:"msg"`
	Important bool     `json:"important"`
	Duration  *float64 `json:"duration,omitempty"`
}

// Client dials Uptime-Kuma and mirrors its monitor and heartbeat state.
// All read methods degrade to empty results while disconnected.
type Client struct {
	cfg Config

	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	loggedIn  bool
	monitors  map[int]Monitor
	beats     map[int][]Heartbeat
	acks      map[int]chan json.RawMessage
	ackSeq    int

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewClient creates a client. Run must be called to connect.
func NewClient(cfg Config) *Client {
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 30
	}
	return &Client{
		cfg:      cfg,
		monitors: map[int]Monitor{},
		beats:    map[int][]Heartbeat{},
		acks:     map[int]chan json.RawMessage{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run connects and reconnects with exponential backoff until Stop.
// Blocks; run it on its own goroutine.
func (c *Client) Run() {
	defer close(c.doneCh)

	backoff := reconnectInitial
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connectAndServe(); err != nil {
			log.Printf("[health] connection lost: %v (retry in %v)", err, backoff)
		}
		c.setDisconnected()

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// Stop disconnects and halts reconnection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.doneCh
}

// Connected reports whether the socket is up and authenticated.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.loggedIn
}

// socketURL converts the configured base URL to the engine.io endpoint.
func (c *Client) socketURL() string {
	u := strings.TrimSuffix(c.cfg.URL, "/")
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/socket.io/?EIO=4&transport=websocket"
}

func (c *Client) connectAndServe() error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(c.socketURL(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	for {
		select {
		case <-c.stopCh:
			conn.Close()
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}
		if err := c.handleFrame(string(data)); err != nil {
			log.Printf("[health] frame: %v", err)
		}
	}
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.loggedIn = false
	for id, ch := range c.acks {
		close(ch)
		delete(c.acks, id)
	}
	c.mu.Unlock()
}

// handleFrame dispatches one engine.io text frame.
//
// Frame layout: the first byte is the engine.io packet type (0 open,
// 2 ping, 4 message), and for messages the second is the socket.io type
// (0 connect, 2 event, 3 ack), optionally followed by an ack id, then a
// JSON array payload.
func (c *Client) handleFrame(frame string) error {
	if frame == "" {
		return nil
	}
	switch frame[0] {
	case '0':
		// Engine.io open; reply with a socket.io connect request.
		return c.writeFrame("40")
	case '2':
		return c.writeFrame("3")
	case '4':
		return c.handleMessage(frame[1:])
	}
	return nil
}

func (c *Client) handleMessage(msg string) error {
	if msg == "" {
		return nil
	}
	switch msg[0] {
	case '0':
		// Namespace connected; authenticate.
		return c.login()
	case '2':
		return c.handleEvent(msg[1:])
	case '3':
		return c.handleAck(msg[1:])
	}
	return nil
}

// splitAckID peels a leading decimal ack id off a socket.io payload.
func splitAckID(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return -1, s
	}
	id, _ := strconv.Atoi(s[:i])
	return id, s[i:]
}

func (c *Client) handleEvent(payload string) error {
	_, body := splitAckID(payload)
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(body), &arr); err != nil || len(arr) == 0 {
		return fmt.Errorf("event payload %q", payload)
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return err
	}

	switch name {
	case "monitorList":
		return c.applyMonitorList(arr[1:])
	case "heartbeatList":
		return c.applyHeartbeatList(arr[1:])
	case "heartbeat":
		return c.applyHeartbeat(arr[1:])
	}
	return nil
}

func (c *Client) handleAck(payload string) error {
	id, body := splitAckID(payload)
	if id < 0 {
		return nil
	}
	c.mu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if ok {
		ch <- json.RawMessage(body)
		close(ch)
	}
	return nil
}

func (c *Client) applyMonitorList(args []json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	var list map[string]Monitor
	if err := json.Unmarshal(args[0], &list); err != nil {
		return err
	}
	c.mu.Lock()
	c.monitors = make(map[int]Monitor, len(list))
	for key, mon := range list {
		if mon.ID == 0 {
			mon.ID, _ = strconv.Atoi(key)
		}
		c.monitors[mon.ID] = mon
	}
	c.mu.Unlock()
	return nil
}

// applyHeartbeatList handles [monitorID, []Heartbeat, overwrite].
func (c *Client) applyHeartbeatList(args []json.RawMessage) error {
	if len(args) < 2 {
		return nil
	}
	var id int
	if err := json.Unmarshal(args[0], &id); err != nil {
		return err
	}
	var list []Heartbeat
	if err := json.Unmarshal(args[1], &list); err != nil {
		return err
	}
	c.mu.Lock()
	c.beats[id] = trimWindow(list, c.cfg.HeartbeatWindow)
	c.mu.Unlock()
	return nil
}

func (c *Client) applyHeartbeat(args []json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	var hb Heartbeat
	if err := json.Unmarshal(args[0], &hb); err != nil {
		return err
	}
	c.mu.Lock()
	c.beats[hb.MonitorID] = trimWindow(append(c.beats[hb.MonitorID], hb), c.cfg.HeartbeatWindow)
	c.mu.Unlock()
	return nil
}

func trimWindow(beats []Heartbeat, window int) []Heartbeat {
	if len(beats) > window {
		beats = beats[len(beats)-window:]
	}
	return beats
}

func (c *Client) login() error {
	if c.cfg.Username == "" {
		c.mu.Lock()
		c.loggedIn = true
		c.mu.Unlock()
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()
		resp, err := c.emitAck(ctx, "login", map[string]string{
			"username": c.cfg.Username,
			"password": c.cfg.Password,
			"token":    "",
		})
		if err != nil {
			log.Printf("[health] login: %v", err)
			return
		}
		var results []struct {
			OK  bool   `json:"ok"`
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(resp, &results); err != nil || len(results) == 0 || !results[0].OK {
			log.Printf("[health] login rejected: %s", resp)
			return
		}
		c.mu.Lock()
		c.loggedIn = true
		c.mu.Unlock()
		log.Printf("[health] authenticated with %s", c.cfg.URL)
	}()
	return nil
}

// emitAck sends an event with an ack id and waits for the reply.
func (c *Client) emitAck(ctx context.Context, event string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, apperr.New(apperr.KindTransport, "uptime-kuma is not connected")
	}
	c.ackSeq++
	id := c.ackSeq
	ch := make(chan json.RawMessage, 1)
	c.acks[id] = ch
	c.mu.Unlock()

	payload := append([]any{event}, args...)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := c.writeFrame("42" + strconv.Itoa(id) + string(body)); err != nil {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
		return nil, apperr.Wrap(apperr.KindTransport, err, "uptime-kuma write failed")
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, apperr.New(apperr.KindTransport, "uptime-kuma disconnected before ack")
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
		return nil, apperr.Wrap(apperr.KindTimeout, ctx.Err(), "uptime-kuma ack timed out")
	}
}

func (c *Client) writeFrame(frame string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return apperr.New(apperr.KindTransport, "uptime-kuma is not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// MonitorStates projects the mirrored state into per-monitor summaries
// keyed by monitor name. Empty while disconnected.
func (c *Client) MonitorStates() map[string]model.MonitorState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || !c.loggedIn {
		return map[string]model.MonitorState{}
	}

	out := make(map[string]model.MonitorState, len(c.monitors))
	for id, mon := range c.monitors {
		out[mon.Name] = stateFromBeats(c.beats[id])
	}
	return out
}

func stateFromBeats(beats []Heartbeat) model.MonitorState {
	st := model.MonitorState{Heartbeats: make([]int, 0, len(beats))}
	up := 0
	for _, hb := range beats {
		st.Heartbeats = append(st.Heartbeats, hb.Status)
		if hb.Status == 1 {
			up++
		}
	}
	if len(beats) > 0 {
		last := beats[len(beats)-1]
		st.Up = last.Status == 1
		st.Ping = last.Ping
		st.Uptime = float64(up) / float64(len(beats)) * 100
	}
	return st
}

// FindMonitor returns the monitor with the given name.
func (c *Client) FindMonitor(name string) (Monitor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, mon := range c.monitors {
		if mon.Name == name {
			return mon, true
		}
	}
	return Monitor{}, false
}

// CreateMonitor registers an HTTP monitor for a site URL.
func (c *Client) CreateMonitor(ctx context.Context, name, url string) error {
	if _, exists := c.FindMonitor(name); exists {
		return apperr.New(apperr.KindConflict, "monitor %q already exists", name)
	}
	resp, err := c.emitAck(ctx, "add", map[string]any{
		"type":                 "http",
		"name":                 name,
		"url":                  url,
		"method":               "GET",
		"interval":             60,
		"retryInterval":        60,
		"maxretries":           1,
		"accepted_statuscodes": []string{"200-299"},
		"active":               true,
	})
	if err != nil {
		return err
	}
	return ackOK(resp, "create monitor")
}

// DeleteMonitor removes a monitor by id.
func (c *Client) DeleteMonitor(ctx context.Context, id int) error {
	resp, err := c.emitAck(ctx, "deleteMonitor", id)
	if err != nil {
		return err
	}
	return ackOK(resp, "delete monitor")
}

func ackOK(resp json.RawMessage, op string) error {
	var results []struct {
		OK  bool   `json:"ok"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(resp, &results); err != nil || len(results) == 0 {
		return apperr.New(apperr.KindCommandFailed, "%s: malformed ack %s", op, resp)
	}
	if !results[0].OK {
		return apperr.New(apperr.KindCommandFailed, "%s: %s", op, results[0].Msg)
	}
	return nil
}
