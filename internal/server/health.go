package server

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service reporting run activity.
const ServiceName = "reconloop.Reconstruction"

// Health serves the standard gRPC health protocol. The reconstruction
// service is SERVING while a run is active.
type Health struct {
	addr   string
	log    *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

// NewHealth creates a health endpoint for addr.
func NewHealth(addr string, log *slog.Logger) *Health {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{addr: addr, log: log, grpc: srv, health: hs}
}

// SetServing flips the reconstruction service status.
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
}

// Start listens on the configured address and serves until ctx is cancelled.
func (h *Health) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.log.Info("gRPC health starting", "addr", lis.Addr().String())
	return h.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.grpc.GracefulStop()
	}()
	return h.grpc.Serve(lis)
}
