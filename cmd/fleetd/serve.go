package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/api"
	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/logging"
	natsclient "github.com/devghori1264/aerophoenix/fleetd/internal/nats"
	"github.com/devghori1264/aerophoenix/fleetd/internal/server"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
	"github.com/devghori1264/aerophoenix/fleetd/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func serveCmd(configPath *string) *cobra.Command {
	var (
		httpAddr    string
		grpcAddr    string
		metricsAddr string
		dbPath      string
		driver      string
		natsURL     string
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the machine API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("http-addr") {
				cfg.HTTPAddr = httpAddr
			}
			if flags.Changed("grpc-addr") {
				cfg.GRPCAddr = grpcAddr
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("db") {
				cfg.Storage.Path = dbPath
			}
			if flags.Changed("driver") {
				cfg.Storage.Driver = driver
			}
			if flags.Changed("nats-url") {
				cfg.NATS.URL = natsURL
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&httpAddr, "http-addr", ":8080", "HTTP API listen address")
	f.StringVar(&grpcAddr, "grpc-addr", ":50051", "gRPC health listen address")
	f.StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	f.StringVar(&dbPath, "db", "./data/badger", "Storage path")
	f.StringVar(&driver, "driver", config.DriverBadger, "Storage driver (badger or sqlite)")
	f.StringVar(&natsURL, "nats-url", "", "NATS URL for events and commands")
	f.StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}

func openStore(cfg config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return storage.OpenSQLite(cfg.Storage.Path)
	default:
		return storage.NewBadgerStore(cfg.Storage.Path, log)
	}
}

func serve(cfg config.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	shutdownTracing, err := telemetry.Setup(cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return err
	}

	// Create storage
	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []server.Option{
		server.WithLogger(log.Named("server")),
		server.WithMetrics(server.NewMetrics(reg)),
		server.WithConcurrency(cfg.Dispatch.Concurrency),
		server.WithEffector(server.SimEffector{Delay: cfg.Effector.Delay, Log: log.Named("effector")}),
	}
	if cfg.NATS.URL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATS.URL, "aerophoenix-fleetd", log.Named("nats"))
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, server.WithEvents(pub, cfg.NATS.SubjectPrefix))
		if cfg.Effector.Kind == config.EffectorNATS {
			opts = append(opts, server.WithEffector(server.NATSEffector{Publisher: pub, Prefix: cfg.NATS.SubjectPrefix}))
		}
	}
	srv := server.New(store, opts...)

	// gRPC health endpoint for orchestrators
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errc := make(chan error, 3)
	go func() {
		log.Info("gRPC health listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc serve: %w", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHTTPHandler(srv, log.Named("http"), api.NewHTTPMetrics(reg)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen: %w", err)
		}
	}()

	mux := http.NewServeMux()
	api.RegisterMetrics(mux, reg)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("Prometheus metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown initiated")
	case runErr = <-errc:
		log.Error("server failed", zap.Error(runErr))
	}

	healthSrv.Shutdown()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return runErr
}
