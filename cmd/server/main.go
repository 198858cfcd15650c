package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-ops-return-workflows/internal/client"
	"github.com/pesio-ai/be-ops-return-workflows/internal/config"
	"github.com/pesio-ai/be-ops-return-workflows/internal/database"
	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/handler"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/metrics"
	"github.com/pesio-ai/be-ops-return-workflows/internal/repository"
	"github.com/pesio-ai/be-ops-return-workflows/internal/service"
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
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Driver).
		Msg("Starting Return Workflows Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	rec := metrics.Nop()
	if cfg.Metrics.Enabled {
		rec, err = metrics.New(cfg.Metrics.Address, cfg.Service.Name, cfg.Service.Environment, cfg.Metrics.SampleRate)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create statsd client")
		}
		defer rec.Close()
	}

	// Storage
	var (
		store    service.WorkflowStore
		auditLog service.AuditLog
		db       *database.DB
	)
	switch cfg.Store.Driver {
	case "postgres":
		db, err = database.New(ctx, database.Config{
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
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply database schema")
		}
		log.Info().Str("host", cfg.Database.Host).Msg("Database connection established")

		store = repository.NewPostgresWorkflowRepository(db)
		auditLog = repository.NewWorkflowAuditRepository(db)
	default:
		store = repository.NewMemoryWorkflowRepository()
		auditLog = repository.NewMemoryAuditRepository()
	}

	// Approver directory
	var (
		source      service.ApproverSource
		handlerOpts []handler.HandlerOption
	)
	if cfg.Approvers.Source == "postgres" {
		approverRepo := repository.NewApproverRepository(db)
		source = approverRepo
		handlerOpts = append(handlerOpts, handler.WithApproverStore(approverRepo))
	} else {
		source = repository.NewStaticApproverSource(seedApprovers(cfg.Approvers.Seed))
	}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable; approver cache will fall through")
		}
		source = repository.NewCachedApproverSource(rdb, source, cfg.Redis.TTL, log)
	}

	catalog := service.NewStepCatalog()
	directory := service.NewApproverDirectory(source, catalog, log)
	if err := loadApproverDirectory(ctx, directory, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to load approver directory")
	}

	// Notifications
	var js jetstream.JetStream
	if cfg.NATS.Enabled {
		nc, stream, err := client.ConnectJetStream(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		js = stream
		log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS JetStream connected")
	}
	publisher := client.NewNotificationPublisher(js, log)

	// Services
	dispatcher := service.NewNotificationDispatcher(publisher, directory, catalog, rec, log)
	engine := service.NewWorkflowEngine(store, directory, catalog, dispatcher, auditLog, log,
		service.WithMetrics(rec))

	// HTTP
	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpHandler := handler.NewHTTPHandler(engine, directory, log, handlerOpts...)
	router := handler.NewRouter(httpHandler, log, rec, cfg.Server.AllowedOrigins)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
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

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.RecoveryInterceptor(log),
		handler.UserContextInterceptor(),
		handler.LoggingInterceptor(log, rec),
	))
	handler.NewGRPCHandler(engine, log).Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

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
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

// loadApproverDirectory runs the initial load. An empty directory is not fatal:
// workflows can start, their steps stay unassigned until a reload.
func loadApproverDirectory(ctx context.Context, directory *service.ApproverDirectory, log *logger.Logger) error {
	err := directory.Load(ctx)
	if errors.Is(err, service.ErrNoApproversConfigured) {
		log.Warn().Msg("No approvers configured; new steps will stay unassigned until approvers are reloaded")
		return nil
	}
	return err
}

// seedApprovers converts configured seed entries to approvers.
func seedApprovers(seed []config.ApproverSeed) []repository.Approver {
	approvers := make([]repository.Approver, 0, len(seed))
	for _, s := range seed {
		a := repository.Approver{
			ID:     s.ID,
			Name:   s.Name,
			Role:   repository.Role(s.Role),
			Email:  s.Email,
			Phone:  s.Phone,
			Active: s.Active,
		}
		if s.Department != "" {
			dept := s.Department
			a.Department = &dept
		}
		approvers = append(approvers, a)
	}
	return approvers
}
