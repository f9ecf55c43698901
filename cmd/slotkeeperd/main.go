// Command slotkeeperd runs the slotkeeper entitlement engine: the delayed
// task worker, the scheduled grace sweep, the plan catalog watcher and the
// ops HTTP server (health, readiness and metrics).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/slotkeeper/pkg/app"
	"github.com/platinummonkey/slotkeeper/pkg/config"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
)

const (
	maintenanceTimeout = 10 * time.Minute
	statsInterval      = 15 * time.Second
	replicaCheckEvery  = 30 * time.Second
)

func main() {
	runOnce := flag.Bool("run-once", false, "Run the grace sweep and due plan changes once, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger, *runOnce); err != nil {
		logger.WithError(err).Error("slotkeeperd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, runOnce bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			logger.WithError(err).Warn("OpenTelemetry metrics unavailable")
		} else {
			engine.Metrics.MirrorTo(otelMetrics)
		}
	}

	if runOnce {
		defer providers.Shutdown(context.Background())
		defer engine.Close()
		return engine.RunMaintenance(ctx)
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register("opentelemetry", providers.Shutdown)
	shutdown.Register("engine", func(context.Context) error { return engine.Close() })

	sweeps := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := sweeps.AddFunc(cfg.Jobs.GraceSweepSchedule, func() {
		jobCtx, jobCancel := context.WithTimeout(ctx, maintenanceTimeout)
		defer jobCancel()
		_ = engine.RunMaintenance(jobCtx)
	}); err != nil {
		engine.Close()
		return fmt.Errorf("failed to schedule grace sweep: %w", err)
	}
	sweeps.Start()
	shutdown.Register("cron", func(ctx context.Context) error {
		select {
		case <-sweeps.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	background, bgCtx := errgroup.WithContext(ctx)
	if worker := engine.Worker(); worker != nil {
		background.Go(func() error { return worker.Run(bgCtx) })
	}
	if engine.Catalog != nil && cfg.Entitlements.WatchCatalog {
		background.Go(func() error { return engine.Catalog.Watch(bgCtx) })
	}
	if engine.Postgres != nil {
		engine.Postgres.Connections().StartHealthCheckRoutine(bgCtx, replicaCheckEvery)
	}
	background.Go(func() error {
		engine.StatsLoop(bgCtx, statsInterval)
		return nil
	})
	shutdown.Register("background", func(ctx context.Context) error {
		cancel()
		done := make(chan error, 1)
		go func() { done <- background.Wait() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	server := newOpsServer(cfg.Server, engine, logger)
	shutdown.AddServer(server)
	go func() {
		logger.Infof("ops server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("ops server failed")
			cancel()
		}
	}()

	logger.WithFields(map[string]interface{}{
		"storage":        cfg.Storage.Type,
		"sweep_schedule": cfg.Jobs.GraceSweepSchedule,
		"redis":          engine.Redis != nil,
	}).Info("slotkeeperd started")

	return shutdown.WaitForShutdown(ctx)
}

func newOpsServer(cfg config.ServerConfig, engine *app.App, logger *observability.Logger) *http.Server {
	router := mux.NewRouter()
	router.Use(observability.RequestContextMiddleware(logger))
	if engine.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(engine.Metrics))
		observability.RegisterMetricsEndpoint(router, engine.Registry)
	}
	observability.RegisterHealthRoutes(router, engine.Health)

	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
