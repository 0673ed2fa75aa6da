package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-ex-approvals/internal/catalog"
	"github.com/pesio-ai/be-ex-approvals/internal/client"
	"github.com/pesio-ai/be-ex-approvals/internal/handler"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/config"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/tracing"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
	"github.com/pesio-ai/be-ex-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-ex-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Backend).
		Msg("Starting Expense Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.Output); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	// Storage, directory and templates
	var (
		store     repository.Store
		directory repository.Directory
		templates repository.TemplateSource
	)
	switch cfg.Store.Backend {
	case "postgres":
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		store = repository.NewPostgresStore(db)
		directory = repository.NewDirectoryRepo(db)
		if cfg.Store.TemplateSource == "db" {
			templates = repository.NewTemplateRepo(db)
		} else {
			cat, err := catalog.LoadFile(cfg.Store.CatalogFile)
			if err != nil {
				log.Fatal().Err(err).Str("file", cfg.Store.CatalogFile).Msg("Failed to load catalog")
			}
			templates = cat
		}
	case "memory":
		cat, err := catalog.LoadFile(cfg.Store.CatalogFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.Store.CatalogFile).Msg("Failed to load catalog")
		}
		store, directory, templates = memory.NewStore(), cat, cat
		log.Warn().Msg("Using in-memory store; state is lost on restart")
	}

	registry, err := service.LoadStepRegistry(ctx, templates)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load workflow templates")
	}
	log.Info().Strs("templates", registry.TemplateIDs()).Msg("Workflow templates loaded")

	// Notifications
	var notifier client.Notifier = client.NewLogNotifier(log.Logger)
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			// Notifications are best-effort; keep serving without them.
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, falling back to log notifier")
		} else {
			defer nc.Close()
			notifier = client.NewNotificationPublisher(nc, log.Logger)
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher connected")
		}
	}

	engine := service.NewApprovalEngine(store, registry, directory, notifier, log, service.EngineOptions{
		IdempotencyTTL: cfg.Idempotency.TTL,
	})

	// Idempotency key purge
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Idempotency.PurgeSchedule, func() {
		if _, err := engine.PurgeExpiredKeys(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to purge expired submission keys")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Idempotency.PurgeSchedule).Msg("Invalid purge schedule")
	}
	scheduler.Start()

	// HTTP server
	httpHandler := handler.NewHTTPHandler(engine, directory, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(cfg.Server.WriteTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.ActorInterceptor(),
		handler.LoggingInterceptor(log.Logger),
	))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(engine, log.Logger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	<-scheduler.Stop().Done()
	healthServer.Shutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Stop gRPC server gracefully
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}
