// Package realtime implements the Realtime API (§6.3): a WebSocket feed
// that pushes session and event state changes to subscribed clients,
// adapted from the teacher's websocket gateway but simplified to a
// single broadcast feed rather than action-based topic subscriptions —
// the Coordinator has no per-task dispatcher to route through.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/coordinator/internal/common/logger"
	"github.com/kandev/coordinator/internal/session"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// message is the envelope every push uses, per §6.3. Event pushes use the
// "data" field name, not "event" — external clients parse this exact
// shape (`{type:"event", data:<event>}`).
type message struct {
	Type      string      `json:"type"`
	Sessions  interface{} `json:"sessions,omitempty"`
	Session   interface{} `json:"session,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub manages every connected Realtime API client and fans out the
// NotifySessionChanged/NotifySessionDeleted/NotifyEvent/NotifyRunFailed/
// NotifyWorkerRemoved callbacks the rest of the Coordinator drives it with.
type Hub struct {
	clients map[*client]bool
	mu      sync.RWMutex

	sessions session.Store
	logger   *logger.Logger
}

// NewHub constructs a Hub. sessions is consulted only to build the
// {type:"init"} snapshot sent to newly connected clients.
func NewHub(sessions session.Store, log *logger.Logger) *Hub {
	return &Hub{
		clients:  make(map[*client]bool),
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "realtime_hub")),
	}
}

// ServeWS upgrades GET /ws and runs the connection's pumps until it closes.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", zap.Error(err))
		return
	}

	cl := newClient(uuid.New().String(), conn, h.logger)
	h.addClient(cl)
	defer h.removeClient(cl)

	sessions, err := h.sessions.ListSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list sessions for init snapshot", zap.Error(err))
		sessions = nil
	}
	cl.sendJSON(message{Type: "init", Sessions: sessions})

	go cl.writePump()
	cl.readPump(c.Request.Context())
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) broadcast(msg message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal realtime message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.sendBytes(data)
	}
}

// NotifySessionCreated implements session.ChangeNotifier and
// runservice.Realtime.
func (h *Hub) NotifySessionCreated(s *v1.Session) {
	h.broadcast(message{Type: "session_created", Session: s})
}

// NotifySessionChanged implements session.ChangeNotifier and
// runservice.Realtime.
func (h *Hub) NotifySessionChanged(s *v1.Session) {
	h.broadcast(message{Type: "session_updated", Session: s})
}

// NotifySessionDeleted implements session.ChangeNotifier and
// runservice.Realtime.
func (h *Hub) NotifySessionDeleted(sessionID string) {
	h.broadcast(message{Type: "session_deleted", SessionID: sessionID})
}

// NotifyEvent implements session.ChangeNotifier and runservice.Realtime.
func (h *Hub) NotifyEvent(e v1.Event) {
	h.broadcast(message{Type: "event", Data: e})
}

// NotifyRunFailed implements runservice.Realtime, surfacing reaper- and
// worker-loss-induced run failures to subscribers.
func (h *Hub) NotifyRunFailed(run *v1.Run) {
	h.broadcast(message{Type: "run_failed", Session: run})
}

// NotifyWorkerRemoved implements runservice.Realtime.
func (h *Hub) NotifyWorkerRemoved(workerID string) {
	h.broadcast(message{Type: "worker_removed", SessionID: workerID})
}

// Shutdown closes every connected client. Call during graceful shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}
