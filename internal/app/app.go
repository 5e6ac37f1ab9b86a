// Package app wires repositories, services and the event queue shared by the server and
// worker binaries.
package app

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/unclebandit/cartnotify-backend/internal/config"
	"github.com/unclebandit/cartnotify-backend/internal/db"
	"github.com/unclebandit/cartnotify-backend/internal/provider"
	"github.com/unclebandit/cartnotify-backend/internal/queue"
	"github.com/unclebandit/cartnotify-backend/internal/repository"
	"github.com/unclebandit/cartnotify-backend/internal/service"
	"github.com/unclebandit/cartnotify-backend/internal/workflow"
)

type App struct {
	DB    *sql.DB
	Redis *redis.Client
	Queue queue.Queue
	Hook  *workflow.Hook

	Provider *provider.Client

	// Tenants is cached when Redis is configured. Stats always read the database.
	Tenants  repository.TenantRepositoryInterface
	OptInRep *repository.OptInRepository
	Messages *repository.MessageRepository

	Stats      *service.StatsAggregator
	OptIns     *service.OptInRegistry
	Dispatcher *service.Dispatcher
	Reconciler *service.Reconciler

	logger *zap.Logger
}

// Build opens the database, applies the schema and assembles the services.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	conn, err := db.Open(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{DB: conn, logger: logger}

	rawTenants := repository.NewTenantRepository(conn)
	a.Tenants = rawTenants
	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, tenant cache disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			a.Redis.Close()
			a.Redis = nil
		} else {
			a.Tenants = repository.NewCachedTenantRepository(rawTenants, repository.NewRedisKVStore(a.Redis), cfg.Redis.TTL, logger)
			logger.Info("tenant cache enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}
	a.OptInRep = repository.NewOptInRepository(conn)
	a.Messages = repository.NewMessageRepository(conn)

	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue = q

	a.Provider = provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.Timeout, logger)
	a.Hook = workflow.NewHook(cfg.Workflow.BaseURL, cfg.Workflow.APIKey, cfg.Workflow.Timeout, logger)

	a.Stats = service.NewStatsAggregator(rawTenants, a.OptInRep, a.Messages, logger)
	a.OptIns = service.NewOptInRegistry(a.OptInRep, a.Tenants, a.Stats, logger)
	a.Dispatcher = service.NewDispatcher(a.Tenants, a.Messages, a.OptIns, a.Stats, a.Provider, a.Hook, logger)
	if cfg.Provider.Timeout > 0 {
		a.Dispatcher.SendTimeout = cfg.Provider.Timeout
	}
	a.Reconciler = service.NewReconciler(a.Messages, a.OptIns, a.Stats, logger)
	return a, nil
}

// StartConsumers subscribes the dispatcher and reconciler to the queue.
func (a *App) StartConsumers() error {
	return queue.StartConsumers(a.Queue, a.Dispatcher, a.Reconciler, a.logger)
}

// Close drains the queue and in-flight workflow hooks before closing connections.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.Hook.Wait()
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := db.Close(a.DB); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
