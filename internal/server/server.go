// Package server exposes the harvester over gRPC. It serves the standard
// health protocol with a status that follows the life-cycle state.
package server

import (
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/events"
	"github.com/ChuLiYu/harvester/pkg/types"
)

// Server wraps a grpc.Server with the health service registered.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	service string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *eventbus.Subscription
}

// NewServer creates the gRPC server. service is the name reported through
// the health protocol alongside the empty overall name.
func NewServer(service string, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:    grpc.NewServer(opts...),
		health:  health.NewServer(),
		service: service,
		logger:  logger.With("component", "grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Follow mirrors the state carried by StateChanged events into the health
// status, starting from current.
func (s *Server) Follow(bus *eventbus.Bus, current types.State) {
	s.Apply(current.Phase)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		bus.Unsubscribe(s.sub)
	}
	s.sub = eventbus.On(bus, func(e events.StateChanged) error {
		s.Apply(e.To.Phase)
		return nil
	})
}

// Apply sets the health status for phase. The service is SERVING in every
// phase except Initialization and Error.
func (s *Server) Apply(phase types.Phase) {
	status := healthpb.HealthCheckResponse_SERVING
	if phase == types.PhaseInitialization || phase == types.PhaseError {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.setStatus(status)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks the service as shutting down and stops gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}
