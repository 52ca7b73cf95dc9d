package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/banksync/internal/config"
	"github.com/phrazzld/banksync/internal/dispatch"
	"github.com/phrazzld/banksync/internal/events"
	"github.com/phrazzld/banksync/internal/metrics"
	"github.com/phrazzld/banksync/internal/plan"
	"github.com/phrazzld/banksync/internal/platform/postgres"
	"github.com/phrazzld/banksync/internal/platform/redis"
	"github.com/phrazzld/banksync/internal/reconcile"
	"github.com/phrazzld/banksync/internal/relay"
	"github.com/phrazzld/banksync/internal/retention"
	"github.com/phrazzld/banksync/internal/service"
	"github.com/phrazzld/banksync/internal/service/auth"
	"github.com/phrazzld/banksync/internal/task"
)

// application holds the shared dependencies so they can be wired once and
// released in order on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db     *sql.DB
	broker *redis.Broker
	store  task.Store

	hub        *relay.Hub
	natsBridge *relay.NATSBridge
	telemetry  *metrics.Provider

	jwtService  auth.JWTService
	taskService *service.TaskService

	supervisor *dispatch.Supervisor
	loop       *reconcile.Loop
	listener   *reconcile.Listener
	sweeper    *retention.Sweeper
}

// newApplication connects to the backends and wires every component. On
// error, anything already opened is released.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.cleanup(context.Background())
		}
	}()

	if err := app.openStore(ctx); err != nil {
		return nil, err
	}

	redisCfg := redis.DefaultConfig()
	redisCfg.URL = cfg.Redis.URL
	app.broker, err = redis.Connect(ctx, redisCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker backend: %w", err)
	}
	keys := task.Keys{Prefix: cfg.Redis.KeyPrefix}

	app.telemetry = metrics.Init(cfg.Telemetry.MetricsEnabled)
	instruments, err := metrics.NewMetrics(app.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	app.hub = relay.NewHub(app.store, cfg.Orchestrator.RelayBuffer, logger)
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(app.hub)
	emitter.RegisterHandler(instruments)

	if cfg.NATS.URL != "" {
		natsCfg := relay.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.Name != "" {
			natsCfg.Name = cfg.NATS.Name
		}
		app.natsBridge, err = relay.ConnectNATS(natsCfg, app.hub, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect status relay: %w", err)
		}
		emitter.RegisterHandler(app.natsBridge)
	}

	recorder, err := events.NewRecorder(app.store, emitter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create status recorder: %w", err)
	}

	catalog := plan.NewCatalog(cfg.Plans, app.store)

	app.supervisor = dispatch.NewSupervisor(cfg.Workers, []string{
		"REDIS_URL=" + cfg.Redis.URL,
		"REDIS_KEY_PREFIX=" + cfg.Redis.KeyPrefix,
	}, logger)

	app.taskService, err = service.NewTaskService(
		app.store,
		catalog,
		dispatch.NewDispatcher(app.broker, keys, logger),
		app.supervisor,
		recorder,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	app.loop, err = reconcile.NewLoop(app.store, app.broker, recorder, keys, reconcile.Config{
		Interval:   cfg.Orchestrator.PollInterval,
		StaleAfter: cfg.Orchestrator.StaleAfter,
		OnTick:     instruments.ObserveTick,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliation loop: %w", err)
	}
	app.listener = reconcile.NewListener(app.broker, app.store, recorder, app.loop, keys, catalog.Kinds(), logger)

	app.sweeper, err = retention.NewSweeper(retention.Config{
		Cleaner:  app.taskService,
		Logger:   logger,
		Schedule: cfg.Orchestrator.CleanupSchedule,
		MaxAge:   cfg.Orchestrator.RetentionMaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retention sweeper: %w", err)
	}

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	logger.Info("Application initialized successfully", "task_kinds", catalog.Kinds())
	return app, nil
}

// openStore selects the durable store when a database URL is configured.
func (app *application) openStore(ctx context.Context) error {
	if app.config.Database.URL == "" {
		app.logger.Warn("no database configured, tasks are kept in memory")
		app.store = task.NewMemoryStore()
		return nil
	}

	db, err := postgres.Open(ctx, app.config.Database.URL, app.config.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	app.db = db

	if err := postgres.Migrate(ctx, db, app.logger); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	app.store = postgres.NewTaskStore(db)
	return nil
}

// Run starts the background components and serves HTTP until ctx ends.
func (app *application) Run(ctx context.Context) error {
	// Reconcile anything left Processing by a previous instance before
	// accepting new work.
	res := app.loop.Tick(ctx)
	app.logger.Info("startup reconciliation finished",
		"checked", res.Checked,
		"finished", res.Finished,
		"timed_out", res.TimedOut)

	app.loop.Start(ctx)
	app.sweeper.Start()

	listenerCtx, stopListener := context.WithCancel(ctx)
	defer stopListener()
	ready := make(chan struct{})
	go func() {
		if err := app.listener.Run(listenerCtx, ready); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error("worker event listener stopped", "error", err)
		}
	}()
	<-ready

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops background work, then closes connections.
func (app *application) cleanup(ctx context.Context) {
	if app.loop != nil {
		app.loop.Stop()
	}
	if app.sweeper != nil {
		app.sweeper.Stop(ctx)
	}
	if app.supervisor != nil {
		app.supervisor.Stop(ctx)
	}
	if app.natsBridge != nil {
		if err := app.natsBridge.Close(); err != nil {
			app.logger.Error("Error closing status relay", "error", err)
		}
	}
	if app.telemetry != nil {
		if err := app.telemetry.Shutdown(ctx); err != nil {
			app.logger.Error("Error shutting down metrics", "error", err)
		}
	}
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			app.logger.Error("Error closing worker backend connection", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
