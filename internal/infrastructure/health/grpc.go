package health

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var errUnknownComponent = errors.New("unknown component")

// GRPCServer publishes the manager's checks through the standard gRPC health
// service. The empty service name reports overall health.
type GRPCServer struct {
	addr     string
	hm       *Manager
	interval time.Duration
	health   *grpchealth.Server
}

func NewGRPCServer(addr string, hm *Manager, interval time.Duration) *GRPCServer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &GRPCServer{addr: addr, hm: hm, interval: interval, health: grpchealth.NewServer()}
}

// Sync copies current check results into the health service
func (s *GRPCServer) Sync() {
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	for _, name := range s.hm.Components() {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err := s.hm.Check(name); err != nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Run serves until ctx is cancelled
func (s *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, s.health)
	s.Sync()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
				s.Sync()
			}
		}
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
