package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	alarmapp "sitewatch/internal/alarms/application"
)

// WSHub pushes lifecycle events to WebSocket dashboard clients. Gorilla
// connections do not allow concurrent writers, so each connection carries
// its own write mutex held across the deadline and the write.
type WSHub struct {
	upgrader websocket.Upgrader
	log      *logrus.Logger
	mu       sync.Mutex
	conns    map[*websocket.Conn]*sync.Mutex
}

// NewWSHub constructs a hub.
func NewWSHub(log *logrus.Logger) *WSHub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log:   log,
		conns: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Notify broadcasts a lifecycle event to all connected clients.
func (h *WSHub) Notify(_ context.Context, event alarmapp.LifecycleEvent) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.conns))
	for conn, wmu := range h.conns {
		conns[conn] = wmu
	}
	h.mu.Unlock()

	for conn, wmu := range conns {
		wmu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, payload)
		wmu.Unlock()
		if err != nil {
			h.drop(conn)
		}
	}
}

// ServeHTTP handles GET /api/v1/alarms/ws.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	h.mu.Lock()
	h.conns[conn] = &sync.Mutex{}
	h.mu.Unlock()

	// Reader loop only detects close; clients never send payloads.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Close disconnects all clients.
func (h *WSHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
	for conn := range conns {
		_ = conn.Close()
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}
