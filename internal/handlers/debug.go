package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/telemetry"
)

// HubStats is the live registry view exposed on the debug routes.
type HubStats interface {
	RoomCount() int
	ConnectionCount() int
}

// RegisterDebugRoutes wires debug-only endpoints when enabled.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, hub HubStats, enabled bool) {
	if !enabled {
		return
	}

	debug := router.Group("/debug")
	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	debug.GET("/hub", func(c *gin.Context) {
		if hub == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": hub.RoomCount(), "connections": hub.ConnectionCount()})
	})
}
