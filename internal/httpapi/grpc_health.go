package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sleepplanet.app/internal/obs"
)

// NewGRPCServer returns a gRPC server exposing the standard health service.
func NewGRPCServer(hs *health.Server, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// NewHealthServer starts in NOT_SERVING until the first readiness check.
func NewHealthServer() *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// SyncHealth runs probe once and mirrors the result into hs and the
// readiness gauge.
func SyncHealth(ctx context.Context, hs *health.Server, probe ReadyProbe) error {
	err := probe.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(serviceName, status)
	obs.SetReady(err == nil)
	return err
}

// WatchHealth re-runs the probe every interval until ctx is done, then
// marks every service NOT_SERVING.
func WatchHealth(ctx context.Context, hs *health.Server, probe ReadyProbe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = SyncHealth(ctx, hs, probe)
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			if err := SyncHealth(ctx, hs, probe); err != nil {
				obs.Warn("readiness_failed", map[string]any{"error": err})
			}
		}
	}
}
