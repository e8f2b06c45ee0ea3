package grpc

import (
	"context"
	"net"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-realtime/internal/observability"
)

// HealthServer exposes the standard gRPC health protocol for the delivery service.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	name   string
}

// NewHealthServer builds a gRPC server with tracing and metrics interceptors.
func NewHealthServer(serviceName string) *HealthServer {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthServer{server: server, health: hs, name: serviceName}
}

// Serve blocks accepting connections on lis.
func (s *HealthServer) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")
	return s.server.Serve(lis)
}

// SetServing flips the reported status, e.g. when the database goes away.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(s.name, status)
	s.health.SetServingStatus("", status)
}

// Shutdown marks the service not serving and drains in-flight RPCs.
func (s *HealthServer) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
}
