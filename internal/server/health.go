package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter mirrors store health into the standard gRPC health service.
type HealthReporter struct {
	srv     *health.Server
	db      Pinger
	every   time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func NewHealthReporter(db Pinger, every time.Duration, logger *slog.Logger) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if every <= 0 {
		every = 10 * time.Second
	}
	return &HealthReporter{srv: health.NewServer(), db: db, every: every, timeout: 2 * time.Second, logger: logger}
}

// Register attaches the health service to s.
func (h *HealthReporter) Register(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.srv)
}

// Check pings the store once and publishes the result for the overall server ("").
func (h *HealthReporter) Check(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := h.db.HealthCheck(ctx, h.timeout); err != nil {
		h.logger.Warn("grpc health: store ping failed", "error", err)
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
	return status
}

// Run re-checks periodically until ctx is done, then reports NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context) {
	h.Check(ctx)
	t := time.NewTicker(h.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Check(ctx)
		}
	}
}

// Server exposes the underlying health server.
func (h *HealthReporter) Server() *health.Server {
	return h.srv
}
