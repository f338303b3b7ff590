package api

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the gRPC service name reported next to the overall "" entry.
const HealthServiceName = "eload.api"

// ServeGRPCHealth serves the standard gRPC health protocol on lis until ctx
// is done. The status follows Service.Ready, refreshed every interval.
func ServeGRPCHealth(ctx context.Context, lis net.Listener, svc *Service, interval time.Duration, log logrus.FieldLogger) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !svc.Ready(ctx) {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(HealthServiceName, status)
	}
	update()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				srv.GracefulStop()
				return
			case <-t.C:
				update()
			}
		}
	}()

	log.WithField("addr", lis.Addr().String()).Info("gRPC health listening")
	return srv.Serve(lis)
}
