// Package ws streams lease lifecycle events to WebSocket subscribers.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Auth happens at the token layer, not per origin
	},
}

const (
	writeWait   = 5 * time.Second
	eventBuffer = 256
)

// Hub fans lease events out to every connected subscriber. Publishers
// never block on client I/O: events pass through a buffered channel
// and are dropped with a log line if subscribers cannot keep up.
type Hub struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics
	events  chan types.LeaseEvent

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates an event hub.
func NewHub(logger *logging.Logger, metrics *monitoring.Metrics) *Hub {
	return &Hub{
		logger:  logger.Named("ws"),
		metrics: metrics,
		events:  make(chan types.LeaseEvent, eventBuffer),
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// Publish enqueues an event for broadcast. Safe to call from any
// goroutine, including lease pool callbacks.
func (h *Hub) Publish(ev types.LeaseEvent) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("event stream backlogged, dropping event",
			zap.String("type", ev.Type),
			zap.String("lease_id", ev.LeaseID))
	}
}

// Run drains the event channel until the context ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("event stream started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("event stream stopped")
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// HandleConnection upgrades the request and serves the subscription
// until the client goes away.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	h.metrics.IncWSConnections()

	h.write(conn, gin.H{
		"type":    "system",
		"message": "lease event stream connected",
	})

	// Read loop: keeps the connection registered and answers pings.
	// Everything else from the client is ignored.
	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == "ping" {
			h.write(conn, gin.H{"type": "pong"})
		}
	}

	h.drop(conn)
}

func (h *Hub) broadcast(ev types.LeaseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			conn.Close()
			delete(h.conns, conn)
			h.metrics.DecWSConnections()
		}
	}
}

// write sends one message under the hub lock so it cannot interleave
// with a broadcast on the same connection.
func (h *Hub) write(conn *websocket.Conn, v interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		conn.Close()
		delete(h.conns, conn)
		h.metrics.DecWSConnections()
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; ok {
		conn.Close()
		delete(h.conns, conn)
		h.metrics.DecWSConnections()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
		delete(h.conns, conn)
		h.metrics.DecWSConnections()
	}
}
