// Package dashboard is an optional, ambient operator-facing live feed of
// stream state transitions. It has no bearing on the delegation protocol
// or supervisor correctness — it exists purely so an operator can watch
// a node's pool activity in real time instead of polling /admin/streams.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lionheart1022/stream-observer/internal/logging"
)

// Event is one stream state transition broadcast to connected dashboards.
type Event struct {
	Handle    string    `json:"handle"`
	Gametype  string    `json:"gametype"`
	State     string    `json:"state"`
	Winner    string    `json:"winner,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans out Events to every connected, authenticated websocket client.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	auth     Authenticator
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// NewHub constructs a Hub gated by the given Authenticator.
func NewHub(authenticator Authenticator, log *logging.Logger) *Hub {
	if authenticator == nil {
		authenticator = AllowAllAuthenticator{}
	}
	if log == nil {
		log = logging.L()
	}
	return &Hub{
		clients: make(map[*websocket.Conn]struct{}),
		auth:    authenticator,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register attaches the feed endpoint to mux.
func (h *Hub) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/dashboard/feed", h.serveFeed)
}

func (h *Hub) serveFeed(w http.ResponseWriter, r *http.Request) {
	subject, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("dashboard feed upgrade failed", logging.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.log.Info("dashboard client connected", logging.String("subject", subject))

	go h.readLoop(conn)
}

// readLoop drains client-sent frames (pings/close) so the connection stays
// alive; the feed itself is one-directional (server to client).
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Broadcast sends ev to every currently connected client. A client whose
// write fails is dropped from the hub.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal dashboard event", logging.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}

// ClientCount reports the number of currently connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
