package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"livechat/internal/telemetry"
)

// LiveConnections is the view of the live channel registry exposed to
// operators.
type LiveConnections interface {
	Len() int
	IsOnline(userID int) bool
}

// RegisterDebugRoutes wires operator-only endpoints when enabled.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, live LiveConnections, enabled bool) {
	if !enabled {
		return
	}

	debug := router.Group("/debug")
	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		text := strings.TrimSpace(c.Query("text"))
		if text == "" {
			text = "livechat debug audit"
		}
		requestID := requestIDFromContext(c)
		emitter.Emit(c.Request.Context(), "INFO", text, requestID, userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "emitted", "request_id": requestID})
	})

	debug.GET("/connections", func(c *gin.Context) {
		if live == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live channel not configured"})
			return
		}
		resp := gin.H{"connections": live.Len()}
		if raw := c.Query("userId"); raw != "" {
			userID, err := strconv.Atoi(raw)
			if err != nil || userID <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid userId %q", raw)})
				return
			}
			resp["userId"] = userID
			resp["online"] = live.IsOnline(userID)
		}
		c.JSON(http.StatusOK, resp)
	})
}
