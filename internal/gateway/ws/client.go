package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaypoint/supervisor/internal/common/logger"
	"github.com/relaypoint/supervisor/internal/gateway/session"
	v1 "github.com/relaypoint/supervisor/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is one upgraded WebSocket connection, paired with its session
// registry entry: read/write pumps, a buffered send channel, and
// ping/pong keepalive.
type Client struct {
	SessionID string
	conn      *websocket.Conn
	hub       *Hub
	sessions  *session.Registry
	dispatch  *Dispatcher
	send      chan *v1.Frame
	logger    *logger.Logger

	mu      sync.Mutex
	closed  bool
	failure int // consecutive send failures, for backpressure-driven error marking
}

// NewClient wraps conn as a Client tied to sessionID.
func NewClient(sessionID string, conn *websocket.Conn, hub *Hub, sessions *session.Registry, dispatch *Dispatcher, log *logger.Logger) *Client {
	return &Client{
		SessionID: sessionID,
		conn:      conn,
		hub:       hub,
		sessions:  sessions,
		dispatch:  dispatch,
		send:      make(chan *v1.Frame, 256),
		logger:    log.WithFields(zap.String("session_id", sessionID)),
	}
}

// Close implements session.Transport: closes the connection with the
// given close code and reason.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.conn.Close()
}

// closeGracefully closes the connection via Close, used by Hub.Shutdown.
// The close-frame write is bounded by writeWait; timeout is not used, and
// frames still queued for the write pump are not waited for.
func (c *Client) closeGracefully(code int, reason string, timeout time.Duration) {
	_ = c.Close(code, reason)
}

// sendFrame enqueues frame for delivery, marking the session errored on
// repeated backpressure so it becomes eligible for cleanup.
func (c *Client) sendFrame(frame *v1.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
		c.failure = 0
	default:
		c.failure++
		c.logger.Warn("client send buffer full", zap.Int("consecutiveFailures", c.failure))
		if c.failure >= 3 {
			c.sessions.SetState(c.SessionID, session.StateError)
		}
	}
}

// ReadPump reads frames from the connection and dispatches them until the
// connection closes or ctx is done.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.sessions.UpdateActivity(c.SessionID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.sessions.UpdateActivity(c.SessionID)

		var frame v1.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			c.sendError(v1.ErrCodeMessageProcessing, "malformed request message")
			continue
		}
		go c.dispatch.Handle(ctx, c, &frame)
	}
}

// WritePump pumps queued frames (and periodic pings) to the connection
// until the send channel closes or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
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

func (c *Client) sendError(code, message string) {
	data, _ := v1.NewFrame(v1.TypeError, v1.ErrorData{Code: code, Message: message})
	c.sendFrame(data)
}
