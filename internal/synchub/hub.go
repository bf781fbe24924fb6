// Package synchub provides ordered event streaming over WebSocket.
//
// Subscribers attach to a single topic ("offer:{id}", "trade:{id}",
// "user:{id}:trades") and receive events carrying a per-topic sequence
// number that increases by exactly one per event. A reconnecting client
// passes since=seq; the hub replays the gap from a bounded ring buffer,
// or signals resync_required when the gap has aged out, in which case the
// client refetches state over the REST API before resuming.
//
// Services call Publish only after the corresponding write is durably
// committed, so a delivered event never describes state a snapshot read
// could miss. Delivery is at-least-once; consumers deduplicate by seq.
package synchub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeloop/peerswap/internal/metrics"
)

// ReplayDepth is the number of events retained per topic for gap replay.
const ReplayDepth = 256

// MaxClients is the maximum number of concurrent subscribers.
const MaxClients = 10000

// EventResyncRequired is sent when a subscriber's gap exceeds the
// retained buffer. Seq carries the topic's current sequence number.
const EventResyncRequired = "resync_required"

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Event is one entry in a topic's ordered stream.
type Event struct {
	Topic     string         `json:"topic"`
	Seq       uint64         `json:"seq"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// topic holds one stream's sequence counter, replay ring and subscribers.
// Its mutex serializes sequencing, replay and fan-out, which is what makes
// per-topic ordering hold end to end.
type topic struct {
	mu      sync.Mutex
	name    string
	seq     uint64
	ring    []*Event // oldest first, at most ReplayDepth entries
	clients map[*Client]bool
}

// Client is one WebSocket subscriber on a single topic.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	topic string
	send  chan []byte
	once  sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub manages topics and their subscribers.
type Hub struct {
	mu          sync.RWMutex
	topics      map[string]*topic
	logger      *slog.Logger
	replayDepth int
	maxClients  int
	done        chan struct{}

	nclients    atomic.Int64
	totalEvents atomic.Int64
}

// NewHub creates a new sync hub retaining replayDepth events per topic.
// A non-positive depth falls back to ReplayDepth.
func NewHub(logger *slog.Logger, replayDepth int) *Hub {
	if replayDepth <= 0 {
		replayDepth = ReplayDepth
	}
	return &Hub{
		topics:      make(map[string]*topic),
		logger:      logger,
		replayDepth: replayDepth,
		maxClients:  MaxClients,
		done:        make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every subscriber and
// rejects further upgrades. Call in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("sync hub started")
	<-ctx.Done()
	close(h.done)

	h.mu.Lock()
	for _, t := range h.topics {
		t.mu.Lock()
		for client := range t.clients {
			client.close()
			delete(t.clients, client)
		}
		t.mu.Unlock()
	}
	h.mu.Unlock()

	h.nclients.Store(0)
	metrics.ActiveSyncClients.Set(0)
	h.logger.Info("sync hub stopped")
}

// Publish appends an event to the topic's stream and fans it out to live
// subscribers. Callers invoke it only after the state change it describes
// has been durably committed. Subscribers that cannot keep up are dropped.
func (h *Hub) Publish(ctx context.Context, topicName, eventType string, data map[string]any) {
	t := h.topic(topicName)

	t.mu.Lock()
	t.seq++
	event := &Event{
		Topic:     topicName,
		Seq:       t.seq,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	t.ring = append(t.ring, event)
	if len(t.ring) > h.replayDepth {
		t.ring = t.ring[1:]
	}

	payload, err := json.Marshal(event)
	if err != nil {
		t.mu.Unlock()
		h.logger.Error("failed to encode sync event", "topic", topicName, "error", err)
		return
	}

	var slow []*Client
	for client := range t.clients {
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		delete(t.clients, client)
		client.close()
	}
	t.mu.Unlock()

	for range slow {
		h.clientGone()
		h.logger.Warn("dropped slow sync subscriber", "topic", topicName)
	}

	h.totalEvents.Add(1)
	metrics.SyncEventsTotal.WithLabelValues(topicKind(topicName)).Inc()
}

// Seq returns the topic's current sequence number.
func (h *Hub) Seq(topicName string) uint64 {
	t := h.topic(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Stats returns hub statistics for the health endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	topics := len(h.topics)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": h.nclients.Load(),
		"topics":           topics,
		"totalEvents":      h.totalEvents.Load(),
	}
}

// HandleSubscribe handles GET /sync/subscribe?topic=...&since=N by
// upgrading to WebSocket, replaying any covered gap, then streaming live.
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	topicName := r.URL.Query().Get("topic")
	if !validTopic(topicName) {
		http.Error(w, "invalid or missing topic", http.StatusBadRequest)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "since must be a sequence number", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	if h.nclients.Load() >= int64(h.maxClients) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := h.newClient(conn, topicName)

	h.subscribe(client, since)

	go client.writePump()
	go client.readPump()
}

// newClient allocates a subscriber. The send buffer must hold a full replay
// plus headroom for live fan-out: subscribe queues the replay under the
// topic lock, so a buffer smaller than the configured depth would deadlock
// against Publish.
func (h *Hub) newClient(conn *websocket.Conn, topicName string) *Client {
	bufSize := ReplayDepth
	if h.replayDepth > bufSize {
		bufSize = h.replayDepth
	}
	return &Client{
		hub:   h,
		conn:  conn,
		topic: topicName,
		send:  make(chan []byte, bufSize),
	}
}

// subscribe attaches the client under the topic lock: replay is queued and
// the client registered in one critical section, so no event sequenced
// after the replay snapshot can be missed or reordered.
func (h *Hub) subscribe(c *Client, since uint64) {
	t := h.topic(c.topic)

	t.mu.Lock()
	replay, resync := replayFrom(t, since)
	for _, event := range replay {
		if payload, err := json.Marshal(event); err == nil {
			c.send <- payload
		}
	}
	t.clients[c] = true
	t.mu.Unlock()

	if resync {
		metrics.SyncResyncsTotal.Inc()
	}

	n := h.nclients.Add(1)
	metrics.ActiveSyncClients.Set(float64(n))
	h.logger.Info("sync subscriber connected", "topic", c.topic, "since", since, "total", n)
}

// replayFrom computes the events to queue for a subscriber resuming at
// since. Called with the topic lock held. When the gap is not covered by
// the ring, a resync_required control event is returned instead.
func replayFrom(t *topic, since uint64) ([]*Event, bool) {
	if since == 0 || since >= t.seq {
		// Fresh subscriber, or already caught up.
		return nil, false
	}

	oldest := t.seq - uint64(len(t.ring)) + 1
	if since+1 < oldest {
		return []*Event{{
			Topic:     t.name,
			Seq:       t.seq,
			Type:      EventResyncRequired,
			Timestamp: time.Now().UTC(),
		}}, true
	}

	gap := make([]*Event, 0, t.seq-since)
	for _, event := range t.ring {
		if event.Seq > since {
			gap = append(gap, event)
		}
	}
	return gap, false
}

func (h *Hub) unsubscribe(c *Client) {
	t := h.topic(c.topic)

	t.mu.Lock()
	_, ok := t.clients[c]
	if ok {
		delete(t.clients, c)
		c.close()
	}
	t.mu.Unlock()

	if ok {
		n := h.clientGone()
		h.logger.Info("sync subscriber disconnected", "topic", c.topic, "total", n)
	}
}

func (h *Hub) clientGone() int64 {
	n := h.nclients.Add(-1)
	metrics.ActiveSyncClients.Set(float64(n))
	return n
}

func (h *Hub) topic(name string) *topic {
	h.mu.RLock()
	t, ok := h.topics[name]
	h.mu.RUnlock()
	if ok {
		return t
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[name]; ok {
		return t
	}
	t = &topic{name: name, clients: make(map[*Client]bool)}
	h.topics[name] = t
	return t
}

// validTopic accepts the three stream families: offer:{id}, trade:{id},
// user:{id}:trades.
func validTopic(name string) bool {
	switch {
	case strings.HasPrefix(name, "offer:"), strings.HasPrefix(name, "trade:"):
		return len(name) > len("offer:")
	case strings.HasPrefix(name, "user:"):
		return strings.HasSuffix(name, ":trades") && len(name) > len("user::trades")
	default:
		return false
	}
}

func topicKind(name string) string {
	if i := strings.Index(name, ":"); i > 0 {
		return name[:i]
	}
	return "unknown"
}

// readPump consumes control frames and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.unsubscribe(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "topic", c.topic, "error", err)
			}
			return
		}
	}
}

// writePump drains the send channel to the connection and keeps it alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "topic", c.topic, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
