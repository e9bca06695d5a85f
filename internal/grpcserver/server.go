// Package grpcserver exposes the standard gRPC health service so load
// balancers and orchestrators can probe relay readiness.
package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the relay.
const ServiceName = "retro.relay"

// Readiness reports whether the relay is accepting connections.
type Readiness interface {
	Started() bool
}

// Server is a gRPC server carrying only health and reflection.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

// New listens on addr and registers the health and reflection services.
// Both the overall and the relay service start as NOT_SERVING.
func New(addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc %s: %w", addr, err)
	}

	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	srv := &Server{grpc: s, health: hs, lis: lis}
	srv.SetServing(false)
	return srv, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// Serve blocks serving requests until Stop is called.
func (s *Server) Serve() error {
	slog.Info("gRPC health server listening", "addr", s.Addr())
	if err := s.grpc.Serve(s.lis); err != nil {
		return fmt.Errorf("serve grpc: %w", err)
	}
	return nil
}

// SetServing flips both the overall and the relay service status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Mirror polls r and keeps the health status in step with it until ctx
// is done.
func (s *Server) Mirror(ctx context.Context, r Readiness, interval time.Duration) {
	last := r.Started()
	s.SetServing(last)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if now := r.Started(); now != last {
				s.SetServing(now)
				last = now
				slog.Info("gRPC health status changed", "serving", now)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop marks the server not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
