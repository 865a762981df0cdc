package feed

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 64
	wildcardSuffix = ">"
)

// Hub bridges the NATS change feed to websocket clients. Each client gets
// a buffered channel; slow consumers are dropped rather than blocking the
// fan-out.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	sub     *nats.Subscription
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Start subscribes to the whole feed subject space and fans messages out.
func (h *Hub) Start(conn *nats.Conn) error {
	sub, err := conn.Subscribe(SubjectPrefix+wildcardSuffix, func(msg *nats.Msg) {
		h.broadcast(msg.Data)
	})
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

func (h *Hub) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer, cut it loose.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// Attach registers an upgraded websocket connection and blocks until the
// client disconnects.
func (h *Hub) Attach(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *client) readLoop() {
	for {
		// Feed is one-way; we only read to notice disconnects.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WARN] feed: ws read: %v", err)
			}
			return
		}
	}
}
