package queuehub

import (
	"net"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/moyoez/vaultdrop/tool"
	"github.com/moyoez/vaultdrop/types"
)

const (
	writeTimeout = 5 * time.Second
	// outboxSize events may wait per subscriber; one that falls further
	// behind is dropped.
	outboxSize = 64
)

// Conn is the part of *websocket.Conn the hub writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// client owns a connection's only writer goroutine.
type client struct {
	conn Conn
	out  chan []byte
}

// Hub holds WebSocket connections and pushes download queue events to all of
// them. It implements admission.Observer; publishing never waits on a
// subscriber's network.
type Hub struct {
	mu      sync.RWMutex
	clients map[Conn]*client
	logger  *log.Logger
}

func New() *Hub {
	return &Hub{
		clients: make(map[Conn]*client),
		logger:  tool.NewComponentLogger("queuehub"),
	}
}

// Register starts delivering events to conn. Payloads in first are queued
// ahead of any later broadcast.
func (h *Hub) Register(conn Conn, first ...[]byte) {
	c := &client{conn: conn, out: make(chan []byte, outboxSize)}
	for _, p := range first {
		c.out <- p
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	go h.writeLoop(c)
}

// Unregister stops delivery to conn. It is safe to call more than once.
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(c.out)
	}
}

// Len is the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ObserveDownload broadcasts ev to every subscriber.
func (h *Hub) ObserveDownload(ev types.DownloadEvent) {
	h.Broadcast(ev)
}

// Broadcast queues v as JSON for all registered connections. A subscriber
// whose outbox is full is dropped.
func (h *Hub) Broadcast(v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Warnf("encode queue event failed: %v", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.out <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Debugf("dropping slow queue subscriber %s", c.conn.RemoteAddr())
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	h.Unregister(c.conn)
	_ = c.conn.Close()
}

func (h *Hub) writeLoop(c *client) {
	for payload := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debugf("dropping queue subscriber %s: %v", c.conn.RemoteAddr(), err)
			h.drop(c)
			return
		}
	}
}
