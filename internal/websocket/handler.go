package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"chatsync/internal/redis"
	"chatsync/internal/services"
	"chatsync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Handler struct {
	auth     *services.AuthService
	hub      *Hub
	limiter  *redis.RateLimiter
	logger   *EventLogger
	upgrader websocket.Upgrader
}

// NewHandler builds the /ws endpoint. limiter may be nil.
func NewHandler(auth *services.AuthService, hub *Hub, limiter *redis.RateLimiter, l *EventLogger) *Handler {
	if l == nil {
		l = NewEventLogger(nil)
	}
	return &Handler{
		auth:    auth,
		hub:     hub,
		limiter: limiter,
		logger:  l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func (h *Handler) Connect(c *gin.Context) {
	claims, err := h.auth.ParseAccessToken(bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}
	userID, _ := uuid.Parse(claims.UserID)

	if h.limiter != nil {
		result, err := h.limiter.AllowWebSocket(c.Request.Context(), userID.String())
		if err == nil && !result.Allowed {
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("connection rate limit exceeded", "RATE_LIMITED"))
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade failed", userID, "", err)
		return
	}

	client := NewClient(conn, userID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.hub.Register(client)
	go client.WriteLoop(ctx)

	// the push channel is one way; reads only keep the deadline fresh
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("unexpected close", userID, client.ID)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	h.hub.Unregister(client)
}
