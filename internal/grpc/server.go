package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/AnythingTechPro/Syndicate/internal/logging"
)

const shutdownGrace = 5 * time.Second

// Server bundles the gRPC server with its health reporter.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	logger *logging.Logger
}

// NewServer registers the presence admin and health services. When token is
// non-empty every admin call must present it.
func NewServer(source PresenceSource, token string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	var opts []grpc.ServerOption
	if token != "" {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(NewTokenUnaryInterceptor(token)),
			grpc.ChainStreamInterceptor(NewTokenStreamInterceptor(token)),
		)
		logger.Info("gRPC admin token authentication enabled")
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&PresenceAdminServiceDesc, NewService(source, logger))

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{srv: srv, health: healthSrv, logger: logger.With(logging.String("component", "grpc_admin"))}
}

// Serve accepts admin calls on ln until ctx is cancelled, then drains in-flight
// streams and returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		//1.- Report NOT_SERVING first so balancers stop routing to us.
		s.health.Shutdown()
		//2.- Open watch streams only end with their context, so cap the drain.
		drained := make(chan struct{})
		go func() {
			s.srv.GracefulStop()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(shutdownGrace):
			s.srv.Stop()
		}
	})
	defer stop()

	s.logger.Info("gRPC admin listening", logging.String("address", ln.Addr().String()))
	err := s.srv.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) || ctx.Err() != nil {
		return nil
	}
	return err
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Stop halts the server immediately.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.Stop()
}
