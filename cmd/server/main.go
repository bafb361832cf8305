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

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-travel-approvals/internal/client"
	"github.com/pesio-ai/be-travel-approvals/internal/config"
	"github.com/pesio-ai/be-travel-approvals/internal/database"
	"github.com/pesio-ai/be-travel-approvals/internal/handler"
	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/middleware"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
	"github.com/pesio-ai/be-travel-approvals/internal/sweep"
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
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("environment", cfg.Service.Environment).
		Msg("Starting Travel Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
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

	if cfg.Database.AutoMigrate {
		if err := repository.ApplySchema(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema")
		}
		log.Info().Msg("Database schema applied")
	}

	// Initialize repositories
	requestRepo := repository.NewApprovalRequestRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)
	policyRepo := repository.NewCompanyPolicyRepository(db)
	statsRepo := repository.NewApprovalStatsRepository(db)
	auditRepo := repository.NewApprovalAuditRepository(db)

	// Intent publisher; without NATS intents are dropped.
	var js client.JetStreamPublisher
	if cfg.NATS.URL != "" {
		conn, err := client.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, cfg.NATS.ConnectWait, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer conn.Close()
		js = conn.JS
		log.Info().Str("stream", cfg.NATS.Stream).Msg("NATS JetStream connected")
	} else {
		log.Warn().Msg("NATS_URL not set; intents will not be published")
	}
	publisher := client.NewIntentPublisher(js, client.PublisherConfig{
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		RetryAttempts: cfg.NATS.PublishRetry,
	}, log)

	// Initialize engine
	deadlines := service.NewDeadlineCalculator(time.Now)
	machine, err := service.NewApprovalStateMachine(requestRepo, directoryRepo, statsRepo, deadlines, log.Component("state_machine"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build approval state machine")
	}
	coordinator := service.NewRequestCoordinator(
		policyRepo,
		directoryRepo,
		requestRepo,
		service.NewChainBuilder(directoryRepo, log.Component("chain_builder")),
		deadlines,
		machine,
		publisher,
		service.CoordinatorConfig{
			RetryAttempts:        cfg.Engine.RetryAttempts,
			RetryInitialWait:     cfg.Engine.RetryInitialWait,
			RetryMaxWait:         cfg.Engine.RetryMaxWait,
			MaxEscalations:       cfg.Engine.MaxEscalations,
			DefaultDeadlineHours: cfg.Engine.DefaultDeadlineHours,
		},
		log.Component("coordinator"),
	)
	coordinator.SetAuditLog(auditRepo)

	// Setup HTTP routes
	router := chi.NewRouter()
	router.Use(middleware.Chain(log, cfg.Server.CORSOrigins, cfg.Server.RequestTimeout)...)
	handler.NewHTTPHandler(coordinator, log).Routes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Setup gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryRecovery(log),
		middleware.UnaryLogger(log),
	))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(coordinator, log))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if cfg.Sweep.Enabled {
		sweeper := sweep.New(coordinator, sweep.Config{
			Interval:      cfg.Sweep.Interval,
			RatePerSecond: cfg.Sweep.RatePerSecond,
			Workers:       cfg.Sweep.Workers,
		}, log)
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}
