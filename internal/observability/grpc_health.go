package observability

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthReporter publishes readiness on the standard gRPC health service.
type HealthReporter struct {
	server *health.Server
	checks map[string]HealthCheckFunc
}

// NewHealthReporter creates a reporter. The service starts NOT_SERVING
// until the first Update.
func NewHealthReporter(checks map[string]HealthCheckFunc) *HealthReporter {
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{server: hs, checks: checks}
}

// Server returns the gRPC health server to register.
func (h *HealthReporter) Server() *health.Server {
	return h.server
}

// Update runs the checks once and publishes the result.
func (h *HealthReporter) Update(ctx context.Context) bool {
	ok, deps := CheckAll(ctx, h.checks)

	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		logger := GetLogger()
		for name, dep := range deps {
			if dep.Status != "healthy" {
				logger.Warn().Str("dependency", name).Str("message", dep.Message).Msg("Dependency not ready")
			}
		}
	}
	h.server.SetServingStatus(serviceName, status)
	h.server.SetServingStatus("", status)
	return ok
}

// Run updates the status every interval until ctx is done, then marks the
// service as shutting down.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		h.Update(checkCtx)
		cancel()

		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
