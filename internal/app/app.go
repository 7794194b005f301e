// Package app initializes and orchestrates the main components of the
// application: storage, broker, the outbox relay, the inbox consumer, and the
// ops HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/sevigo/review-queue/internal/broker"
	"github.com/sevigo/review-queue/internal/config"
	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/db"
	"github.com/sevigo/review-queue/internal/inbox"
	logging "github.com/sevigo/review-queue/internal/logger"
	"github.com/sevigo/review-queue/internal/outbox"
	"github.com/sevigo/review-queue/internal/processor"
	"github.com/sevigo/review-queue/internal/protect"
	"github.com/sevigo/review-queue/internal/server"
	"github.com/sevigo/review-queue/internal/storage"
	"github.com/sevigo/review-queue/internal/timeline"
)

// App holds the main application components.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	server   *server.Server
	consumer *inbox.Consumer
	relay    *outbox.Relay

	workers       *errgroup.Group
	cancelWorkers context.CancelFunc
}

// NewApp sets up the application with all its dependencies. The caller
// supplies the pipeline registry: which stage list runs for each workflow
// type. The returned cleanup func closes the database and broker connections.
func NewApp(cfg *config.Config, registry processor.Registry, logger *slog.Logger) (*App, func(), error) {
	logger.Info("initializing review queue",
		"server_port", cfg.ServerPort,
		"queues", cfg.Consumer.Queues,
		"consumer", cfg.Consumer.ConsumerID)

	dbConn, dbCleanup, err := db.NewDatabase(cfg.Database)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := storage.NewStore(dbConn.DB)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	cleanup := func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis connection", "error", err)
		}
		dbCleanup()
	}

	instanceID, err := os.Hostname()
	if err != nil || instanceID == "" {
		instanceID = uuid.NewString()
	}

	policy := broker.RetryPolicy{
		MaxDeliveryCount: cfg.Consumer.MaxDeliveryCount,
		RetryDelay:       cfg.Consumer.RetryDelay,
		ReclaimMinIdle:   cfg.Consumer.ReclaimMinIdle,
	}
	redisBroker := broker.NewRedis(redisClient, cfg.Consumer.ConsumerID, instanceID, policy, logger)

	enqueuer := outbox.NewService(store, logger)
	relay := outbox.NewRelay(store, redisBroker, cfg.Relay.Interval, cfg.Relay.BatchSize,
		logging.WithComponent(logger, "relay"))

	observer := timeline.NewObserver(store.Executions(), logger)
	proc := processor.New(store, observer, registry, logging.WithComponent(logger, "processor"))

	var protector core.TaskProtector = protect.Noop{}
	if cfg.ProtectAgentURI != "" {
		protector = protect.NewClient(cfg.ProtectAgentURI, logger)
	}

	consumer := inbox.New(inbox.Config{
		ConsumerID:   cfg.Consumer.ConsumerID,
		InstanceID:   instanceID,
		Queues:       cfg.Consumer.Queues,
		ProtectFor:   cfg.Consumer.ProtectFor,
		ClaimTimeout: cfg.Consumer.ClaimTimeout,
	}, redisBroker, store, proc, protector, logging.WithComponent(logger, "consumer"))

	httpServer := server.NewServer(cfg.ServerPort, enqueuer, store, logger)

	logger.Info("review queue initialized successfully", "instance", instanceID)
	return &App{
		cfg:      cfg,
		logger:   logger,
		server:   httpServer,
		consumer: consumer,
		relay:    relay,
	}, cleanup, nil
}

// Start launches the HTTP server, inbox consumer, and outbox relay. It
// returns immediately; use Wait to block on the first component failure.
func (a *App) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	a.cancelWorkers = cancel

	g, workerCtx := errgroup.WithContext(workerCtx)
	a.workers = g

	g.Go(func() error {
		return a.server.Start()
	})
	g.Go(func() error {
		if err := a.consumer.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := a.relay.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			return err
		}
		return nil
	})
}

// Wait blocks until a component fails or all have stopped.
func (a *App) Wait() error {
	return a.workers.Wait()
}

// Stop shuts down the application cleanly: stop accepting new deliveries,
// drain in-flight jobs, then stop the HTTP server.
func (a *App) Stop() error {
	a.logger.Info("shutting down review queue")

	if a.cancelWorkers != nil {
		a.cancelWorkers()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Consumer.DrainTimeout)
	defer cancel()
	if err := a.consumer.Drain(drainCtx); err != nil {
		a.logger.Error("consumer drain incomplete", "error", err)
	}

	serverErr := a.server.Stop()
	if serverErr != nil {
		a.logger.Error("error during HTTP server shutdown", "error", serverErr)
	}

	if a.workers != nil {
		if err := a.workers.Wait(); err != nil {
			a.logger.Error("worker stopped with error", "error", err)
		}
	}

	if serverErr != nil {
		return serverErr
	}
	a.logger.Info("review queue stopped successfully")
	return nil
}
