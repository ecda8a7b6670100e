package grpc

import (
	"context"
	"net"
	"time"

	"github.com/fjod/go_cart/order-core/pkg/logger"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Check tests one dependency. A non-nil error marks the service NOT_SERVING.
type Check func(ctx context.Context) error

// Server exposes the standard gRPC health protocol for the core and its
// dependencies, plus reflection for grpcurl.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	service string
}

func NewServer(service string) *Server {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(srv)

	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	return &Server{grpc: srv, health: hs, service: service}
}

func (s *Server) Serve(lis net.Listener) error {
	logger.L().WithField("addr", lis.Addr().String()).Info("grpc health server listening")
	return s.grpc.Serve(lis)
}

// Watch runs every check each interval until ctx is done. Each check is
// reported under its own name, and the overall service status is SERVING
// only while all of them pass.
func (s *Server) Watch(ctx context.Context, interval time.Duration, checks map[string]Check) {
	s.runChecks(ctx, checks)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runChecks(ctx, checks)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) runChecks(ctx context.Context, checks map[string]Check) {
	overall := healthpb.HealthCheckResponse_SERVING
	for name, check := range checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
			logger.FromContext(ctx).WithError(err).WithField("dependency", name).Warn("health check failed")
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus(s.service, overall)
}

// GracefulStop reports NOT_SERVING to watchers before draining connections.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
