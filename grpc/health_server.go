package grpc

import (
	"context"

	"go.uber.org/atomic"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// HealthServer answers the standard gRPC health check for a peer. It reports
// SERVING between Start and Shutdown.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	serving atomic.Bool
}

func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

func (s *HealthServer) SetServing(v bool) {
	s.serving.Store(v)
}

func (s *HealthServer) Serving() bool {
	return s.serving.Load()
}

func (s *HealthServer) Check(context.Context, *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.serving.Load() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

func (s *HealthServer) Watch(*healthpb.HealthCheckRequest, healthpb.Health_WatchServer) error {
	return status.Errorf(codes.Unimplemented, "method Watch not implemented")
}
