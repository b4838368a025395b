package http

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub is the connection registry and push service in one: it maps
// connection IDs to live websockets and serializes writes per connection,
// since gorilla conns allow only one concurrent writer.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*hubConn
}

type hubConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log.With().Str("component", "hub").Logger(),
		conns: make(map[string]*hubConn),
	}
}

func (h *Hub) Register(connID string, conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[connID] = &hubConn{conn: conn}
	h.mu.Unlock()
	h.log.Debug().Str("conn", connID).Msg("connection registered")
}

func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()
	h.log.Debug().Str("conn", connID).Msg("connection unregistered")
}

// Push writes payload as JSON to one connection. A missing or dead
// connection is an error for the caller to log; it never panics or blocks
// other connections.
func (h *Hub) Push(_ context.Context, connID string, payload any) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s not registered", connID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(payload)
}
