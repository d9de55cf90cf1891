package observability

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth exposes the readiness checks through the standard
// grpc.health.v1.Health service so orchestrators that probe over gRPC
// see the same picture as /ready.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
	checks map[string]HealthCheckFunc
	logger zerolog.Logger
}

// NewGRPCHealth creates the gRPC health server. Each named check is also
// registered as its own service name; the empty name reflects all of them.
func NewGRPCHealth(checks map[string]HealthCheckFunc) *GRPCHealth {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCHealth{
		server: srv,
		health: hs,
		checks: checks,
		logger: Component("grpc-health"),
	}
}

// Refresh runs every check once and publishes the resulting serving status
func (g *GRPCHealth) Refresh(ctx context.Context) {
	dependencies, allHealthy := RunChecks(ctx, g.checks)
	for name, dep := range dependencies {
		g.health.SetServingStatus(name, servingStatus(dep.Status == "healthy"))
	}
	g.health.SetServingStatus("", servingStatus(allHealthy))
}

// Watch refreshes the serving status every interval until ctx is done
func (g *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		g.Refresh(checkCtx)
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve blocks serving the health service on lis
func (g *GRPCHealth) Serve(lis net.Listener) error {
	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health service listening")
	return g.server.Serve(lis)
}

// Stop marks everything as not serving and stops the server
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
