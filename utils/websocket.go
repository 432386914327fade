package utils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds every outbound frame so one stalled client cannot
// hold up a broadcast.
const writeTimeout = 100 * time.Millisecond

// wsClient serializes all writes to one connection; gorilla/websocket
// permits at most one concurrent writer per Conn.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(event WebSocketEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(event)
}

// WebSocketHub fans session events out to subscribed UI clients. Every
// outbound frame, from Broadcast or Send, goes through the target client's
// write lock.
type WebSocketHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*wsClient
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients: make(map[*websocket.Conn]*wsClient),
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &wsClient{conn: conn}
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

func (h *WebSocketHub) removeLocked(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Send delivers one event to a single registered client, e.g. the state
// snapshot pushed right after it subscribes. A client whose write fails is
// dropped.
func (h *WebSocketHub) Send(conn *websocket.Conn, event WebSocketEvent) {
	h.mu.Lock()
	c := h.clients[conn]
	h.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.write(event); err != nil {
		h.RemoveClient(conn)
	}
}

// Broadcast delivers one event to every client in parallel, dropping any
// client whose write fails.
func (h *WebSocketHub) Broadcast(event WebSocketEvent) {
	h.mu.Lock()
	// Snapshot the client set so slow writers don't hold the lock.
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedClients []*wsClient
	var failedMu sync.Mutex

	for _, c := range clients {
		wg.Add(1)
		go func(c *wsClient) {
			defer wg.Done()
			if err := c.write(event); err != nil {
				failedMu.Lock()
				failedClients = append(failedClients, c)
				failedMu.Unlock()
			}
		}(c)
	}

	wg.Wait()

	if len(failedClients) > 0 {
		h.mu.Lock()
		for _, c := range failedClients {
			h.removeLocked(c.conn)
		}
		h.mu.Unlock()
	}
}
