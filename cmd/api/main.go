package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consenthub/config"
	httpHandler "consenthub/internal/adapter/http/handler"
	pgStorage "consenthub/internal/adapter/storage/postgres"
	redisStorage "consenthub/internal/adapter/storage/redis"
	"consenthub/internal/core/ports"
	"consenthub/internal/service"
	"consenthub/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting ConsentHub webhook service")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Initialize repositories
	subRepo := pgStorage.NewSubscriptionRepo(pool)
	deliveryRepo := pgStorage.NewDeliveryRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Initialize core services
	sigSvc := service.NewHMACSignatureService()
	backoff := service.BackoffFromConfig(cfg.Webhook)

	registrySvc := service.NewRegistryService(subRepo, deliveryRepo, transactor, service.RegistryDefaults{
		RetryAttempts: cfg.Webhook.DefaultRetryAttempts,
		Timeout:       cfg.Webhook.DefaultTimeout,
	}, log)
	dispatcher := service.NewDispatcher(
		subRepo,
		deliveryRepo,
		sigSvc,
		backoff,
		// No client-level timeout: each attempt is bounded by the
		// subscription's own timeout via the request context.
		&http.Client{},
		cfg.Webhook.UserAgent,
		log,
	)
	logSvc := service.NewDeliveryLogService(subRepo, deliveryRepo)

	// Start the retry sweeper
	sweeper := service.NewSweeper(
		deliveryRepo,
		dispatcher,
		cfg.Webhook.SweepInterval,
		cfg.Webhook.SweepBatchSize,
		cfg.Webhook.SweepWorkers,
		log,
	)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Initialize rate limit store
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)

	// Initialize health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		RegistrySvc:    registrySvc,
		DispatcherSvc:  dispatcher,
		LogSvc:         logSvc,
		RateLimitStore: rateLimitStore,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		Logger:         log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
