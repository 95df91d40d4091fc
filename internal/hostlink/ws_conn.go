package hostlink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/camera-backend/internal/shared"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufSize    = 128
)

// HostConn is one connected capture host. Outbound messages go through a
// buffered send channel drained by the write pump; inbound session-scoped
// messages are pushed onto the relay's response channel by the read pump.
type HostConn struct {
	ws          *websocket.Conn
	connID      string
	hostID      string
	cameras     []Camera
	connectedAt time.Time
	log         *slog.Logger

	send chan *Message
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewHostConn(ws *websocket.Conn, hostID string, cameras []Camera, log *slog.Logger) *HostConn {
	if log == nil {
		log = slog.Default()
	}
	connID := shared.NewID("conn_")
	return &HostConn{
		ws:          ws,
		connID:      connID,
		hostID:      hostID,
		cameras:     cameras,
		connectedAt: time.Now(),
		log:         log.With("host_id", hostID, "conn_id", connID),
		send:        make(chan *Message, sendBufSize),
		done:        make(chan struct{}),
	}
}

func (c *HostConn) ConnID() string {
	return c.connID
}

func (c *HostConn) HostID() string {
	return c.hostID
}

func (c *HostConn) Cameras() []Camera {
	out := make([]Camera, len(c.cameras))
	copy(out, c.cameras)
	return out
}

func (c *HostConn) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *HostConn) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Send queues a message for the write pump. Messages to a closed or
// backed-up connection are dropped. The send channel is never closed, so a
// Send racing Close cannot panic; the done channel is what ends delivery.
func (c *HostConn) Send(_ context.Context, msg *Message) error {
	select {
	case <-c.done:
		return nil
	case c.send <- msg:
		return nil
	default:
		c.log.Warn("send buffer full, dropping message", "type", msg.Type)
		return nil
	}
}

func (c *HostConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	return c.ws.Close()
}

// readPump forwards session-scoped host messages to the relay until the
// connection drops.
func (c *HostConn) readPump(ctx context.Context, publish func(context.Context, *Message) error) {
	defer func() {
		_ = c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read error", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error("failed to unmarshal host message", "error", err)
			continue
		}
		msg.HostID = c.hostID

		switch msg.Type {
		case MessageTypeAnswer, MessageTypeCandidate, MessageTypeState, MessageTypeStats, MessageTypeError:
			if msg.SessionID == "" {
				c.log.Warn("host message without session id", "type", msg.Type)
				continue
			}
			if err := publish(ctx, &msg); err != nil {
				c.log.Error("failed to publish host message", "error", err, "type", msg.Type)
			}
		default:
			c.log.Warn("unexpected host message", "type", msg.Type)
		}
	}
}

func (c *HostConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("failed to marshal message", "error", err)
				continue
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
