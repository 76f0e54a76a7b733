package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the health-check name reported next to the empty overall name.
const ServiceName = "appointly.Appointments"

type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the gRPC health protocol, reflecting storage readiness.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	ready  Pinger
	log    *slog.Logger
}

func NewServer(ready Pinger, log *slog.Logger, requestTimeout time.Duration) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "grpc"))

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestTimeoutInterceptor(requestTimeout),
			LoggingInterceptor(log),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{srv: srv, health: hs, ready: ready, log: log}
}

func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc server started", slog.String("grpc_addr", lis.Addr().String()))
	return s.srv.Serve(lis)
}

// CheckReadiness pings storage once and publishes the result.
func (s *Server) CheckReadiness(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(pctx); err != nil {
			s.log.Warn("storage not ready", slog.Any("err", err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// WatchReadiness re-checks readiness every interval until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.CheckReadiness(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.CheckReadiness(ctx)
		}
	}
}

// Shutdown drains in-flight RPCs and forces a stop once timeout passes.
func (s *Server) Shutdown(timeout time.Duration) {
	s.log.Info("shutting down grpc server", slog.Duration("timeout", timeout))
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.log.Info("grpc server stopped")
	case <-timer.C:
		s.log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.srv.Stop()
	}
}

// RequestTimeoutInterceptor applies timeout to calls that arrive without a deadline.
func RequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		attrs := []any{
			slog.String("rpc", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("latency", time.Since(start)),
		}
		if err != nil {
			log.Warn("rpc failed", append(attrs, slog.Any("err", err))...)
		} else {
			log.Debug("rpc", attrs...)
		}
		return resp, err
	}
}
