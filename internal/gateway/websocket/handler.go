package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests into event stream connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler for the given hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-handler")),
	}
}

// RegisterRoutes mounts the event stream endpoint.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", h.HandleConnection)
}

// HandleConnection upgrades the request and runs the pumps. An optional
// sessionId query parameter seeds the session filter.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.logger.Debug("websocket connection established",
		zap.String("client_id", client.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	// Seed the filter before the client is visible to the fan-out loop so
	// no unfiltered frame slips through.
	if sessionID := c.Query("sessionId"); sessionID != "" {
		h.hub.SubscribeSession(client, sessionID)
	}
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
