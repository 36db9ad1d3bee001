// Package grpc is the transport edge. It verifies access tokens, binds one
// principal scope per call and serves the standard health service.
package grpc

import (
	"context"
	"net"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type GRPCServer struct {
	address   string
	logger    logging.Logger
	jwtSecret []byte
	health    *health.Server
	register  []func(grpc.ServiceRegistrar)
}

// NewGRPCServer prepares the edge. register callbacks add tenant-facing
// services; every unary call they serve runs under a bound scope.
func NewGRPCServer(address string, l logging.Logger, secretKey string, register ...func(grpc.ServiceRegistrar)) *GRPCServer {
	return &GRPCServer{
		address:   address,
		logger:    l.With("module", "grpc_server"),
		jwtSecret: []byte(secretKey),
		health:    health.NewServer(),
		register:  register,
	}
}

// Run listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))

	grpc_health_v1.RegisterHealthServer(srv, s.health)
	for _, r := range s.register {
		r(srv)
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}

	return nil
}
