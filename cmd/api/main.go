package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"storeorders/internal/cache"
	"storeorders/internal/config"
	"storeorders/internal/database"
	"storeorders/internal/handlers"
	"storeorders/internal/jobs"
	"storeorders/internal/log"
	"storeorders/internal/queue"
	"storeorders/internal/repository"
	"storeorders/internal/server"
	"storeorders/internal/service"
	"storeorders/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New(cfg.Environment)

	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	dbPool, err := database.Open(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if err := objectStore.EnsureBuckets(ctx); err != nil {
		logger.Warn().Err(err).Msg("ensure buckets failed")
	}

	authService := service.NewAuthService(
		repository.NewUserRepository(dbPool),
		repository.NewSessionRepository(dbPool),
		cfg.Security,
		logger.With().Str("component", "auth").Logger(),
	)
	orderService := service.NewOrderService(
		repository.NewOrderRepository(dbPool),
		repository.NewStoreRepository(dbPool),
		queue.NewPublisher(redisClient, cfg.Queue.Stream),
		objectStore,
		logger.With().Str("component", "orders").Logger(),
	)

	created, err := authService.EnsureAdmin(ctx, cfg.Security.BootstrapAdminEmail, cfg.Security.BootstrapAdminPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap admin failed")
	}
	if created {
		logger.Warn().Msg("bootstrap admin created; rotate its password")
	}

	handlerSet := handlers.NewHandlerSet(logger, cfg, authService, orderService,
		handlers.WithIdempotency(cache.NewIdempotencyStore(redisClient, "storeorders:idem", cfg.Security.IdempotencyTTL)),
		handlers.WithHealthCheck("database", dbPool.Ping),
		handlers.WithHealthCheck("cache", func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
	)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	scheduler := jobs.NewScheduler(authService, logger.With().Str("component", "jobs").Logger())
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, dbPool, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, db *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	scheduler.Stop(shutdownCtx)

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
