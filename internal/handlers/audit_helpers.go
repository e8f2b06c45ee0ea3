package handlers

import (
	"github.com/gin-gonic/gin"

	"chat-realtime/internal/observability"
)

// callerID is the authenticated user set by middleware.AuthMiddleware.
func callerID(c *gin.Context) int64 {
	return c.GetInt64("userID")
}

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(observability.RequestIDKey); id != "" {
		return id
	}
	return observability.RequestIDFromRequest(c.Request)
}

func userIDFromContext(c *gin.Context) *int64 {
	id := callerID(c)
	if id == 0 {
		return nil
	}
	return &id
}
