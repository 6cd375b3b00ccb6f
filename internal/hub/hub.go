// Package hub broadcasts the live activity stream to WebSocket observers and
// answers their on-demand queries.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guildwatch/guildwatch/internal/activity"
	"github.com/guildwatch/guildwatch/internal/event"
	"github.com/guildwatch/guildwatch/internal/eventbus"
)

const (
	// DefaultSnapshotInterval is how often an unsolicited metrics snapshot is
	// broadcast to all observers.
	DefaultSnapshotInterval = 10 * time.Second

	// sendBuffer is the per-client outbound queue. An observer that cannot
	// drain it fast enough gets disconnected rather than stalling the hub.
	sendBuffer = 64

	// defaultActivityLimit applies when a getActivity request names no limit.
	defaultActivityLimit = 50

	writeWait = 10 * time.Second
)

// client is one connected observer. The send channel is its outbound queue;
// only the writePump goroutine writes to the connection.
type client struct {
	conn *websocket.Conn
	send chan *ServerMessage

	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// trySend enqueues msg without blocking. A false return means the client's
// queue is full.
func (c *client) trySend(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Hub accepts observer connections and fans the event stream out to them.
type Hub struct {
	agg              *activity.Aggregator
	upgrader         websocket.Upgrader
	snapshotInterval time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
}

type Option func(*Hub)

func WithSnapshotInterval(d time.Duration) Option {
	return func(h *Hub) { h.snapshotInterval = d }
}

func New(agg *activity.Aggregator, opts ...Option) *Hub {
	h := &Hub{
		agg: agg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		snapshotInterval: DefaultSnapshotInterval,
		clients:          make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the observer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan *ServerMessage, sendBuffer),
		done: make(chan struct{}),
	}

	// The welcome pair is queued before the client joins the broadcast set,
	// so no broadcast can arrive ahead of it.
	h.mu.Lock()
	c.trySend(&ServerMessage{
		Type:      TypeConnected,
		Timestamp: time.Now().UTC(),
		Message:   "connected to guildwatch",
	})
	c.trySend(newServerMessage(TypeMetrics, h.agg.SystemSnapshot()))
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.trySend(&ServerMessage{
				Type:      TypeError,
				Timestamp: time.Now().UTC(),
				Message:   "malformed message",
			})
			continue
		}

		switch msg.Type {
		case TypeGetMetrics:
			c.trySend(newServerMessage(TypeMetrics, h.agg.SystemSnapshot()))
		case TypeGetActivity:
			limit := msg.Limit
			if limit <= 0 {
				limit = defaultActivityLimit
			}
			c.trySend(newServerMessage(TypeActivity, h.agg.RecentActivity(limit)))
		case TypePing:
			c.trySend(&ServerMessage{Type: TypePong, Timestamp: time.Now().UTC()})
		default:
			c.trySend(&ServerMessage{
				Type:      TypeError,
				Timestamp: time.Now().UTC(),
				Message:   "unknown message type: " + msg.Type,
			})
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// broadcast enqueues msg for every observer. Observers whose queue is full
// are dropped; one stalled connection must not hold the stream back.
func (h *Hub) broadcast(msg *ServerMessage) {
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		if !c.trySend(msg) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range slow {
		slog.Warn("dropping slow websocket client")
		c.close()
	}
}

// Run fans bus events out to observers and broadcasts periodic metrics
// snapshots until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, bus *eventbus.Bus) error {
	id, ch := bus.Subscribe(256)
	defer bus.Unsubscribe(id)

	ticker := time.NewTicker(h.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			h.broadcastEvent(ev)
		case <-ticker.C:
			h.broadcast(newServerMessage(TypeMetrics, h.agg.SystemSnapshot()))
		case <-ctx.Done():
			h.closeAll()
			return nil
		}
	}
}

func (h *Hub) broadcastEvent(ev *event.Event) {
	switch ev.Type {
	case event.TypeFileChange:
		h.broadcast(newServerMessage(TypeFileChange, ev.FileChange))
	case event.TypeCommit:
		h.broadcast(newServerMessage(TypeCommit, ev.Commit))
	case event.TypeError:
		h.broadcast(&ServerMessage{
			Type:      TypeError,
			Timestamp: time.Now().UTC(),
			Payload:   ev.Error,
			Message:   ev.Error.Message,
		})
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
