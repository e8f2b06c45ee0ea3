package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/config"
	"chat-realtime/internal/db"
	"chat-realtime/internal/dispatch"
	grpcserver "chat-realtime/internal/grpc"
	"chat-realtime/internal/handlers"
	"chat-realtime/internal/logging"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/rabbitmq"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg(".env not loaded, using environment")
	}
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	database, err := db.Connect(connectCtx, cfg.DBDSN)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT_SECRET is required")
	}
	validator := auth.NewJWTValidator(cfg.JWTSecret)

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment)
	logger.Info().Str("mode", rabbitmq.PublisherMode(publisher)).Msg("event publisher ready")

	conversationRepo := repositories.NewConversationRepo(database)
	groupRepo := repositories.NewGroupRepo(database)
	blockRepo := repositories.NewBlockRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)

	hub := ws.NewHub()
	dispatcher := dispatch.New(dispatch.Deps{
		Conversations: conversationRepo,
		Groups:        groupRepo,
		Blocks:        blockRepo,
		Messages:      messageRepo,
		Users:         userRepo,
		Hub:           hub,
		Audit:         audit,
		Logger:        logging.Component(logger, "dispatch"),
	})
	gateway := ws.NewGateway(hub, dispatcher, validator, cfg.WS, cfg.AllowedOrigins, logging.Component(logger, "ws"))
	messageHandler := handlers.NewMessageHandler(dispatcher, messageRepo, audit, cfg.HistoryPageMax)

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.RequestIDMiddleware())
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", handlers.Healthz(database, hub.ConnectionCount))

	authMiddleware := middleware.AuthMiddleware(validator)

	router.GET("/rooms/:room/messages", authMiddleware, messageHandler.GetRoomMessages)
	router.POST("/messages", authMiddleware, messageHandler.PostMessage)
	router.POST("/messages/:message_id/read", authMiddleware, messageHandler.MarkRead)
	router.DELETE("/messages/:message_id", authMiddleware, messageHandler.RetractMessage)

	router.GET("/ws", gateway.Handle)

	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutes)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID", "X-Device-ID"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := grpcserver.NewHealthServer(cfg.ServiceName)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen for grpc")
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	go watchDatabase(ctx, database, health)

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	health.Shutdown(shutdownCtx)
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown")
	}
}

// watchDatabase reports NOT_SERVING over gRPC health while the database is unreachable.
func watchDatabase(ctx context.Context, database handlers.Pinger, health *grpcserver.HealthServer) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := database.PingContext(pingCtx)
			cancel()
			health.SetServing(err == nil)
			if err != nil {
				log.Warn().Err(err).Msg("database ping failed")
			}
		}
	}
}
