package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/slotkeeper/pkg/analytics"
	"github.com/platinummonkey/slotkeeper/pkg/config"
	"github.com/platinummonkey/slotkeeper/pkg/devices"
	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/extraslots"
	"github.com/platinummonkey/slotkeeper/pkg/grace"
	"github.com/platinummonkey/slotkeeper/pkg/notify"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/plans"
	"github.com/platinummonkey/slotkeeper/pkg/resolution"
	"github.com/platinummonkey/slotkeeper/pkg/statestore"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
	"github.com/platinummonkey/slotkeeper/pkg/storage/postgres"
	"github.com/platinummonkey/slotkeeper/pkg/tasks"
)

// Version is reported by the health endpoints
var Version = "dev"

const memoryStateSize = 100000

// App is the assembled entitlement engine: storage, plan catalog, delivery
// collaborators and the four services, sharing one task mux.
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Health   *observability.HealthChecker

	Store    storage.Store
	Postgres *postgres.Store
	Redis    *redis.Client
	Catalog  *plans.FileCatalog
	Plans    storage.PlanReader

	Mux       *tasks.Mux
	Scheduler tasks.Scheduler
	Queue     *tasks.RedisQueue
	State     statestore.Store

	Notifier  notify.Dispatcher
	Analytics *analytics.Service

	Devices      *devices.Manager
	Slots        *extraslots.Manager
	Orchestrator *plans.Orchestrator
	Resolver     *resolution.Resolver
	Grace        *grace.Scheduler

	closers []func() error
}

// New assembles the engine described by cfg. Postgres backs the store when
// configured, otherwise the in-memory store is used; Redis, when configured,
// backs the state store and the delayed task queue.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Health:   observability.NewHealthChecker(Version),
		Mux:      tasks.NewMux(),
	}
	if cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(a.Registry)
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRedis(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.loadCatalog(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.buildDelivery()
	a.buildServices()
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.Storage.Type != "postgres" {
		a.Store = storage.NewMemoryStore()
		a.Logger.Warn("using in-memory storage, state is lost on restart")
		return nil
	}

	store, err := postgres.NewStore(a.Config.Storage, a.Logger.WithField("component", "postgres"))
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.Close)
	if err := postgres.EnsureSchema(ctx, store.DB()); err != nil {
		return fmt.Errorf("failed to prepare schema: %w", err)
	}
	a.Store = store
	a.Postgres = store
	a.Health.AddCheck("postgres", true, observability.DatabaseCheck(store.DB()))
	return nil
}

func (a *App) openRedis() error {
	if a.Config.Storage.RedisURL == "" {
		a.State = statestore.NewMemoryStore(memoryStateSize, 0)
		a.Scheduler = tasks.NewMemoryScheduler(a.Mux, a.Logger)
		return nil
	}

	client, err := statestore.NewRedisClient(a.Config.Storage)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)
	a.Redis = client
	a.State = statestore.NewRedisStore(client, statestore.DefaultKeyPrefix)
	a.Queue = tasks.NewRedisQueue(client, statestore.DefaultKeyPrefix)
	a.Scheduler = a.Queue
	a.Health.AddCheck("redis", false, observability.RedisCheck(client))
	return nil
}

func (a *App) loadCatalog(ctx context.Context) error {
	path := a.Config.Entitlements.PlanCatalogFile
	if path == "" {
		a.Plans = a.Store
		return nil
	}

	catalog, err := plans.LoadFileCatalog(path, a.Logger)
	if err != nil {
		return err
	}
	writer, ok := a.Store.(storage.PlanWriter)
	if !ok {
		return fmt.Errorf("store %T cannot publish plans", a.Store)
	}
	if err := catalog.Sync(ctx, writer); err != nil {
		return fmt.Errorf("failed to publish plan catalog: %w", err)
	}
	logger := a.Logger.WithField("catalog", path)
	catalog.OnReload(func(reloaded []*entitlements.Plan) {
		syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := catalog.Sync(syncCtx, writer); err != nil {
			logger.WithError(err).Error("failed to publish reloaded plan catalog")
			return
		}
		logger.WithField("plans", len(reloaded)).Info("plan catalog reloaded")
	})
	a.Catalog = catalog
	a.Plans = catalog
	return nil
}

func (a *App) buildDelivery() {
	var dispatchers []notify.Dispatcher
	if a.Config.Notify.WebhookURL != "" {
		retry := notify.DefaultRetryConfig()
		if a.Config.Notify.WebhookMaxRetries > 0 {
			retry.MaxAttempts = a.Config.Notify.WebhookMaxRetries
		}
		dispatchers = append(dispatchers, notify.NewWebhookDispatcher(notify.WebhookConfig{
			URL:     a.Config.Notify.WebhookURL,
			Secret:  a.Config.Notify.WebhookSecret,
			Timeout: a.Config.Notify.WebhookTimeout,
			Retry:   retry,
		}, a.Logger, a.Metrics))
	}
	dispatchers = append(dispatchers, notify.NewLogDispatcher(a.Logger))
	if len(dispatchers) == 1 {
		a.Notifier = dispatchers[0]
	} else {
		a.Notifier = notify.NewMultiDispatcher(dispatchers...)
	}

	if a.Postgres != nil {
		a.Analytics = analytics.NewService(a.Postgres.DB())
	}
}

func (a *App) tracker() analytics.Tracker {
	if a.Postgres == nil || !a.Config.Notify.AnalyticsEnabled {
		return analytics.NopTracker{}
	}
	return analytics.NewSQLTracker(a.Postgres.DB())
}

func (a *App) buildServices() {
	opts := devices.Options{
		Notifier:         a.Notifier,
		Tracker:          a.tracker(),
		Metrics:          a.Metrics,
		Logger:           a.Logger,
		SlotCostCents:    a.Config.Entitlements.SlotCostCents,
		CandidateOrder:   a.Config.Entitlements.CandidateOrder,
		DefaultGraceDays: a.Config.Entitlements.DefaultGraceDays,
	}

	a.Devices = devices.NewManager(a.Store, a.Plans, opts)
	a.Slots = extraslots.NewManager(a.Store, a.Devices)
	a.Orchestrator = plans.NewOrchestrator(a.Store, a.Devices, a.Slots, a.Scheduler)
	a.Resolver = resolution.NewResolver(a.Store, a.Devices, a.Slots, a.Orchestrator)
	a.Grace = grace.NewScheduler(a.Store, a.Devices, a.Scheduler, a.State, grace.Options{
		SweepWorkers: a.Config.Jobs.SweepWorkers,
	})

	a.Mux.Handle(grace.TaskCheck, a.Grace.HandleCheckTask)
	a.Mux.Handle(plans.TaskApplyScheduled, a.Orchestrator.HandleApplyScheduled)
}

// Worker returns the Redis queue worker, or nil when tasks run in process
func (a *App) Worker() *tasks.Worker {
	if a.Queue == nil {
		return nil
	}
	return tasks.NewWorker(a.Queue, a.Mux, tasks.WorkerConfig{
		PollInterval: a.Config.Jobs.TaskPollInterval,
		BatchSize:    a.Config.Jobs.TaskBatchSize,
		MaxAttempts:  a.Config.Jobs.TaskMaxAttempts,
	}, a.Logger, a.Metrics)
}

// RunMaintenance runs the periodic jobs once: the grace sweep and any plan
// changes that reached their period end
func (a *App) RunMaintenance(ctx context.Context) error {
	logger := a.Logger.WithField("job", "maintenance")

	suspended, sweepErr := a.Grace.Sweep(ctx)
	if sweepErr != nil {
		logger.WithError(sweepErr).Warn("grace sweep finished with errors")
	}
	applied, applyErr := a.Orchestrator.ApplyDue(ctx)
	if applyErr != nil {
		logger.WithError(applyErr).Warn("scheduled plan changes finished with errors")
	}
	if suspended > 0 || applied > 0 {
		logger.WithFields(map[string]interface{}{
			"suspended_subscriptions": suspended,
			"applied_plan_changes":    applied,
		}).Info("maintenance complete")
	}
	return errors.Join(sweepErr, applyErr)
}

// Close releases the store and Redis connections
func (a *App) Close() error {
	if s, ok := a.Scheduler.(*tasks.MemoryScheduler); ok {
		s.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// StatsLoop copies connection pool statistics into the metrics until ctx
// is done
func (a *App) StatsLoop(ctx context.Context, interval time.Duration) {
	if a.Postgres == nil || a.Metrics == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Metrics.UpdateDBStats(a.Postgres.DB().Stats())
		}
	}
}
