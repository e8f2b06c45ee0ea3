package ws

import (
	"context"
	"time"

	"chat-realtime/internal/observability"
)

const wsRoutingKey = "ws_events.connections"

type ConnInfo struct {
	ConnID      string
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// publishWSEvent emits a ws_connect, ws_disconnect or ws_error event for the connection.
func publishWSEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	observability.IncWSEvent("live", event)
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey,
		observability.NewEnvelope("ws_events", event, payload),
		observability.BuildHeaders(info.RequestID, info.TraceID))
}
