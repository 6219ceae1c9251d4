// Package events fans out live updates (action logs, conversation turns,
// task changes) to websocket subscribers.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event kinds.
const (
	KindLog     = "log"
	KindMessage = "message"
	KindTask    = "task"
	KindSession = "session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Event is one update pushed to subscribers.
type Event struct {
	Kind      string    `json:"kind"`
	ProfileID string    `json:"profileId,omitempty"`
	Time      time.Time `json:"time"`
	Payload   any       `json:"payload"`
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn    *websocket.Conn
	profile string
	send    chan Event
	once    sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.send) })
}

// Hub keeps the set of connected subscribers.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger.Named("events"),
		clients: make(map[*client]struct{}),
	}
}

// Publish queues ev for every subscriber interested in its profile.
// Slow subscribers lose events rather than stall the publisher.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.profile != "" && ev.ProfileID != "" && c.profile != ev.ProfileID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.logger.Debug("Dropping event for slow subscriber", zap.String("kind", ev.Kind))
		}
	}
}

// ServeHTTP upgrades the request and streams events until the peer goes away.
// The optional "profile" query parameter restricts the stream to one profile.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{
		conn:    conn,
		profile: r.URL.Query().Get("profile"),
		send:    make(chan Event, sendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug("Subscriber connected", zap.String("profile", c.profile))

	go h.writePump(c)
	h.readPump(c)
}

// readPump only exists to notice the peer closing and to answer pings.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Subscriber read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Subscriber write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.stop()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
