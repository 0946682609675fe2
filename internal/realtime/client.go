package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/coordinator/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// sendBufferSize bounds a slow subscriber's backlog; once full, the
	// subscriber is disconnected rather than blocking the broadcaster.
	sendBufferSize = 256
)

// client is a single Realtime API connection. The Coordinator's feed is
// push-only, so unlike the teacher's websocket.Client it has no inbound
// action dispatch — readPump exists solely to detect disconnects and
// service pings.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
	logger *logger.Logger
}

func newClient(id string, conn *websocket.Conn, log *logger.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

func (c *client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal realtime message", zap.Error(err))
		return
	}
	c.sendBytes(data)
}

func (c *client) sendBytes(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("dropping slow realtime client: send buffer full")
		c.closed = true
		close(c.send)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump drains inbound frames (none are meaningful) until the
// connection closes, so the hub notices disconnects promptly.
func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
