package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/clock"
	"github.com/pesio-ai/be-expense-approvals/internal/config"
	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/handler"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/middleware"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

// app holds the wired service graph shared by serve and sweep.
type app struct {
	log         *logger.Logger
	clock       clock.Clock
	db          *database.DB
	delegations *service.DelegationService
	resolver    *service.ApproverSetResolver
	sweeper     *service.ExpirationSweeper
	expenses    *service.ExpenseService
	fanout      *service.NotificationFanout
	closers     []io.Closer
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{log: log, clock: clock.Real()}

	db, err := database.New(ctx, databaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, closeFunc(func() error { db.Close(); return nil }))
	log.Info().Msg("Database connection established")

	directory, err := client.NewIdentityGRPCClient(cfg.Identity.GRPCAddr, cfg.Identity.Timeout)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create identity gRPC client: %w", err)
	}
	a.closers = append(a.closers, directory)

	var publisher service.Publisher
	if cfg.NATS.URL != "" {
		p, err := client.NewNotificationPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.Service.Name, log.Component("nats"))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, push events disabled")
		} else {
			publisher = p
			a.closers = append(a.closers, p)
		}
	}

	var deduper service.Deduper
	if cfg.Redis.URL != "" {
		d, err := client.NewRedisDeduper(cfg.Redis.URL, cfg.Fanout.DedupeTTL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, notification dedupe disabled")
		} else {
			deduper = d
			a.closers = append(a.closers, d)
		}
	}

	log.Info().
		Str("identity_grpc", cfg.Identity.GRPCAddr).
		Bool("nats", publisher != nil).
		Bool("redis", deduper != nil).
		Msg("Service clients initialized")

	// Initialize repositories
	delegationRepo := repository.NewDelegationRepository(db)
	auditRepo := repository.NewDelegationAuditRepository(db)
	projectRepo := repository.NewProjectRepository(db)
	expenseRepo := repository.NewExpenseRepository(db)
	threadRepo := repository.NewThreadRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	// Initialize services
	a.fanout = service.NewNotificationFanout(notificationRepo, directory, publisher, deduper,
		cfg.Fanout.MaxConcurrency, log.Component("fanout"))
	a.sweeper = service.NewExpirationSweeper(delegationRepo, projectRepo, auditRepo, a.clock, log.Component("sweeper"))
	a.resolver = service.NewApproverSetResolver(projectRepo, delegationRepo, directory, a.sweeper, log.Component("resolver"))
	reconciler := service.NewChatMembershipReconciler(threadRepo, a.resolver, log.Component("reconciler"))
	a.delegations = service.NewDelegationService(delegationRepo, projectRepo, auditRepo, directory,
		a.sweeper, a.fanout, a.clock, log.Component("delegations"))
	a.expenses = service.NewExpenseService(expenseRepo, projectRepo, threadRepo, a.resolver, reconciler,
		a.fanout, a.clock, log.Component("expenses"))

	return a, nil
}

// Close waits for in-flight notification deliveries, then releases clients
// in reverse order of creation.
func (a *app) Close() {
	if a.fanout != nil {
		a.fanout.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close client")
		}
	}
}

func serve(parent context.Context, cfg *config.Config, log *logger.Logger, migrate bool) error {
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Expense Approvals Service")

	if migrate {
		if err := database.Migrate(databaseConfig(cfg)); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.NewHTTPHandler(a.delegations, a.resolver, a.sweeper, a.expenses, a.fanout, a.clock,
		log.Component("http")).Register(mux)

	h := middleware.Chain(mux, append(middleware.Logging(log), middleware.Recovery, middleware.CORS([]string{"*"}))...)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryRecovery(log),
		middleware.UnaryLogging(log),
	))
	handler.NewGRPCHandler(a.delegations, a.resolver, a.sweeper, a.clock, log.Logger).Register(grpcServer)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.RoutingService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
			stop()
		}
	}()

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.sweeper.Run(ctx, cfg.Sweeper.Interval)
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()
	<-sweeperDone

	log.Info().Msg("Server stopped")
	return nil
}
