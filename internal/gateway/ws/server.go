package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaypoint/supervisor/internal/common/logger"
	"github.com/relaypoint/supervisor/internal/gateway/session"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the HTTP-facing half of the gateway: it enforces the
// max-connection limit, upgrades accepted requests, and wires the new
// session into the hub and dispatcher.
type Server struct {
	hub            *Hub
	sessions       *session.Registry
	dispatch       *Dispatcher
	maxConnections int
	logger         *logger.Logger
}

// NewServer creates a Server bound to hub, sessions, and dispatch.
func NewServer(hub *Hub, sessions *session.Registry, dispatch *Dispatcher, maxConnections int, log *logger.Logger) *Server {
	return &Server{
		hub:            hub,
		sessions:       sessions,
		dispatch:       dispatch,
		maxConnections: maxConnections,
		logger:         log.WithFields(zap.String("component", "gateway_server")),
	}
}

// HandleUpgrade rejects requests beyond the connection limit with 503,
// otherwise upgrades, registers the session, and sends the connected
// control frame before starting the read/write pumps.
func (s *Server) HandleUpgrade(c *gin.Context) {
	if s.maxConnections > 0 && s.hub.ClientCount() >= s.maxConnections {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "max connections reached"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient("", conn, s.hub, s.sessions, s.dispatch, s.logger)
	sess := s.sessions.Add(client, nil)
	client.SessionID = sess.ID
	client.logger = s.logger.WithFields(zap.String("session_id", sess.ID))
	s.hub.Register(client)

	connectionID := uuid.New().String()
	client.sendFrame(newConnectedFrame(connectionID, sess.ID))

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// ConnectionCount reports the number of currently connected sessions, used
// by the health endpoint.
func (s *Server) ConnectionCount() int { return s.hub.ClientCount() }

// MaxConnections reports the configured connection limit.
func (s *Server) MaxConnections() int { return s.maxConnections }

// Shutdown stops every session and detaches from the bus, within timeout.
func (s *Server) Shutdown(ctx context.Context, timeout time.Duration) {
	s.hub.Shutdown(ctx, timeout)
}
