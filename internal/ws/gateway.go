package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"chat-realtime/internal/config"
	"chat-realtime/internal/dispatch"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/rooms"
)

// Dispatcher is the part of the fan-out dispatcher the gateway drives.
type Dispatcher interface {
	Submit(ctx context.Context, sub dispatch.Submission) (models.Message, error)
	CanJoin(ctx context.Context, userID int64, key rooms.Key) error
}

// Gateway upgrades authenticated requests to live connections.
type Gateway struct {
	hub        *Hub
	dispatcher Dispatcher
	validator  middleware.TokenValidator
	cfg        config.WSConfig
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewGateway constructs a Gateway. An empty allowedOrigins accepts any origin.
func NewGateway(hub *Hub, dispatcher Dispatcher, validator middleware.TokenValidator, cfg config.WSConfig, allowedOrigins []string, logger zerolog.Logger) *Gateway {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Gateway{
		hub:        hub,
		dispatcher: dispatcher,
		validator:  validator,
		cfg:        cfg,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

// Handle serves GET /ws.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	userID, err := g.validator.ValidateToken(ctx, token)
	if token == "" || err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "error_code": "unauthorized"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		ConnectedAt: time.Now(),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		info.TraceID = sc.TraceID().String()
	}

	client := newClient(info, g.hub, conn, g.cfg, g.logger)
	g.hub.Register(client)
	g.hub.Join(rooms.UserKey(userID), client)

	// the request context ends when the handler returns
	connCtx := context.WithoutCancel(ctx)
	observability.IncWSActive("live")
	publishWSEvent(connCtx, "ws_connect", info, "")
	client.logger.Info().Str("ip", info.IP).Msg("websocket connected")

	go client.writePump()
	go client.submitLoop(connCtx, g.dispatcher)
	go func() {
		reason, err := client.readPump(connCtx, g.dispatcher)
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			publishWSEvent(connCtx, "ws_error", info, reason)
		}
		client.close()
		observability.DecWSActive("live")
		publishWSEvent(connCtx, "ws_disconnect", info, reason)
		client.logger.Info().Str("reason", reason).Msg("websocket disconnected")
	}()
}
