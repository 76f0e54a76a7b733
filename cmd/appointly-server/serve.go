package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"appointly/internal/config"
	"appointly/internal/telemetry"
	grpctransport "appointly/internal/transport/grpc"
	"appointly/internal/transport/rest"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers, notification workers and reminder loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, log)
		},
	}
}

func runServer(parent context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		slog.String("http_addr", cfg.HTTPAddr()),
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("log_level", cfg.LogLevel),
	)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.OTelEnabled,
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		log.Error("telemetry setup failed", slog.Any("err", err))
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("telemetry shutdown failed", slog.Any("err", err))
		}
	}()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(log)

	httpLog := log.With(slog.String("component", "http"))
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	rest.Use(e, httpLog, cfg.HTTPRequestTimeout)
	var runner rest.ReminderRunner
	if a.scheduler != nil {
		runner = a.scheduler
	}
	rest.NewHandler(a.svc, runner, a.storage, httpLog).RegisterRoutes(e)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           otelhttp.NewHandler(e, "appointly.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpctransport.NewServer(a.storage, log, cfg.GRPCRequestTimeout)
	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		httpLog.Info("http server started", slog.String("http_addr", cfg.HTTPAddr()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return grpcServer.WatchReadiness(gctx, 10*time.Second)
	})
	if a.queue != nil {
		g.Go(func() error { return a.queue.Run(gctx) })
	}
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			httpLog.Warn("http graceful shutdown failed", slog.Any("err", err))
		}
		grpcServer.Shutdown(cfg.ShutdownTimeout)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", slog.Any("err", err))
		return err
	}
	if a.queue != nil {
		if n := a.queue.Dropped(); n > 0 {
			log.Warn("notifications dropped during run", slog.Int64("dropped", n))
		}
	}
	log.Info("stopped")
	return nil
}
