package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"livechat/internal/middleware"
	"livechat/internal/observability"
)

// WebSocketHandler upgrades HTTP requests into live connections served by
// the engine.
type WebSocketHandler struct {
	engine *Engine
}

// NewWebSocketHandler constructs a WebSocketHandler.
func NewWebSocketHandler(engine *Engine) *WebSocketHandler {
	return &WebSocketHandler{engine: engine}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle upgrades the connection. A bearer token in the Authorization header
// or the "token" query parameter identifies the connection at once; without
// one it stays unidentified until an identify frame arrives.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("livechat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		bearer, ok := middleware.BearerToken(header)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}
		token = bearer
	}

	userID := 0
	if token != "" {
		var err error
		userID, err = h.engine.directory.ValidateToken(ctx, token)
		if err != nil {
			if errors.Is(classifyTokenError(err), ErrAuth) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			} else {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token lookup failed"})
			}
			return
		}
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := newConn(wsConn, info)
	go conn.writePump()

	if err := h.engine.Open(ctx, conn, userID); err != nil {
		h.engine.Close(conn)
		return
	}
	observability.IncWSActive()
	h.engine.publish(ctx, observability.EventWSConnect, connEvent(info, userID, ""))

	go func() {
		var closeReason string
		defer func() {
			uid, _ := conn.UserID()
			h.engine.Close(conn)
			observability.DecWSActive()
			h.engine.publish(context.Background(), observability.EventWSDisconnect, connEvent(info, uid, closeReason))
			wsConn.Close()
		}()

		err := conn.readPump(func(data []byte) {
			h.engine.Dispatch(conn, data)
		})
		closeReason = err.Error()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			uid, _ := conn.UserID()
			h.engine.publish(context.Background(), observability.EventWSError, connEvent(info, uid, closeReason))
		}
	}()
}

func connEvent(info ConnInfo, userID int, reason string) map[string]interface{} {
	return map[string]interface{}{
		"ws": map[string]interface{}{
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
			"request_id":  info.RequestID,
		},
		"identity": map[string]interface{}{
			"user_id": userID,
			"ip":      info.IP,
		},
	}
}
