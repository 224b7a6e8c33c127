package http

import (
	"context"
	"sync"
	"time"

	"battle-quiz-service/internal/domain"
	"battle-quiz-service/internal/infra/memory"
	"battle-quiz-service/pkg/logger"
	"battle-quiz-service/pkg/metrics"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload,omitempty"`
}

// client is one live websocket connection. send is never closed; writers
// stop on done instead, so a late Notify cannot panic.
type client struct {
	userID    string
	conn      *websocket.Conn
	send      chan outboundMessage[any]
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(userID string, conn *websocket.Conn) *client {
	return &client{
		userID: userID,
		conn:   conn,
		send:   make(chan outboundMessage[any], sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue never blocks: when the buffer is full the oldest message is dropped.
func (c *client) enqueue(msg outboundMessage[any]) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// close asks the write pump to send a close frame and drop the connection.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump owns every write to the connection and closes it on exit, which
// also unblocks the reader.
func (c *client) writePump(log logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debug(context.Background(), "ws write failed", logger.String("user", c.userID), logger.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Hub maps user ids to their live connection and tracks disconnect grace periods.
// It implements app.Notifier and app.Presence for the connections of this process
// only: Online and Notify know nothing about users attached to another instance.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	grace   time.Duration
	pending *memory.DeadlineSet
	now     func() time.Time
	log     logger.Logger
	metrics *metrics.Manager
}

func NewHub(grace time.Duration, log logger.Logger, m *metrics.Manager) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients: make(map[string]*client),
		grace:   grace,
		pending: memory.NewDeadlineSet(),
		now:     time.Now,
		log:     log,
		metrics: m,
	}
}

// Grace is the reconnection window after a disconnect.
func (h *Hub) Grace() time.Duration {
	return h.grace
}

// register makes c the user's connection, closing any older one.
// It reports whether the user was inside a disconnect grace period.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	old := h.clients[c.userID]
	h.clients[c.userID] = c
	h.mu.Unlock()

	if old != nil {
		old.close()
	} else {
		h.metrics.ConnectionOpened()
	}
	return h.pending.Delete(c.userID)
}

// unregister forgets c if it is still the user's current connection and starts
// the grace period. It returns false when a newer connection replaced c.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	current, ok := h.clients[c.userID]
	if !ok || current != c {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c.userID)
	h.mu.Unlock()

	h.metrics.ConnectionClosed()
	h.pending.Set(c.userID, h.now().Add(h.grace))
	return true
}

// Notify implements app.Notifier. Events for offline users are dropped.
func (h *Hub) Notify(_ context.Context, userID string, event domain.Event) {
	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	c.enqueue(outboundMessage[any]{Type: string(event.Type), Payload: event.Payload})
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// ExpiredDisconnects returns users whose grace period ran out and who did not come back.
func (h *Hub) ExpiredDisconnects(now time.Time) []string {
	expired := h.pending.Expired(now)
	out := expired[:0]
	for _, userID := range expired {
		if !h.Online(userID) {
			out = append(out, userID)
		}
	}
	return out
}

// Connected returns how many users currently hold a connection.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every connection; used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
