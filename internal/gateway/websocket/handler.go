package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to loopback by default; the bearer token is the
		// access control.
		return true
	},
}

// Handler upgrades /ws connections and hands them to the hub.
type Handler struct {
	hub       *Hub
	authToken string
	logger    *logger.Logger
}

// NewHandler creates the WebSocket endpoint handler. An empty authToken
// disables authentication.
func NewHandler(hub *Hub, authToken string, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		hub:       hub,
		authToken: authToken,
		logger:    log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection authenticates via ?token=, upgrades, and runs the pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	if h.authToken != "" && c.Query("token") != h.authToken {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
