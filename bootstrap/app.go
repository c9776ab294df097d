package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orthrus/api"
	"orthrus/config"
	"orthrus/core"
	"orthrus/notify"
	"orthrus/service"
	"orthrus/soar"
	"orthrus/storage"
)

// App wires the engine together: storage, action registry, executor,
// queue, dispatcher, scheduler and the HTTP API.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Store    *storage.SQLiteStore
	Registry *soar.Registry
	Executor *soar.Executor
	Queue    *soar.Queue
	Service  *service.PlaybookService

	notifier   *notify.Notifier
	audit      *soar.MultiAuditSink
	stream     *api.StreamHub
	pool       *core.WorkerPool
	dispatcher *soar.Dispatcher
	scheduler  *soar.Scheduler
	apiServer  *api.API
	redisCli   *redis.Client
}

// NewApp loads configuration and initializes every component up to the
// point where Start can bring the engine online.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := InitConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	app := &App{Config: cfg, Logger: logger, Sugar: sugar}
	sugar.Infow("Orthrus starting", "config_file", configPath)

	secrets, err := config.NewSecretManager(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("initialize secret provider: %w", err)
	}
	if err := resolveSecrets(ctx, cfg, secrets); err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.Path, cfg.Storage.MaxOpenReadConn, sugar)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app.Store = store

	// Executions left running by a previous process can never resume;
	// their in-memory state is gone.
	if failed, err := store.FailInterruptedExecutions(ctx); err != nil {
		sugar.Errorw("Failed to mark interrupted executions", "error", err)
	} else if failed > 0 {
		sugar.Warnw("Marked interrupted executions as failed", "count", failed)
	}

	var limiter soar.ConcurrencyLimiter
	if cfg.Redis.Enabled() {
		app.redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.redisCli.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		limiter = soar.NewRedisLimiter(app.redisCli, cfg.SOAR.OrgConcurrencyLimit, cfg.SOAR.OrgConcurrencyOverrides)
		sugar.Infow("Using Redis concurrency limiter", "addr", cfg.Redis.Addr)
	} else {
		limiter = soar.NewMemoryLimiter(cfg.SOAR.OrgConcurrencyLimit, cfg.SOAR.OrgConcurrencyOverrides)
	}

	app.notifier = notify.New(cfg.Notifications, sugar)

	registry := soar.NewRegistry(sugar)
	actionCfg := soar.ActionConfig{
		DestructiveEnabled:  cfg.SOAR.DestructiveActionsEnabled,
		AllowedWebhookHosts: cfg.SOAR.AllowedWebhookHosts,
	}
	if err := soar.RegisterBuiltinActions(registry, actionCfg, app.notifier, sugar); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}
	app.Registry = registry
	sugar.Infow("Registered actions", "count", len(registry.List()))

	app.stream = api.NewStreamHub(sugar)
	sinks := []soar.AuditSink{soar.NewLogAuditSink(sugar), app.stream}

	var auditReader api.AuditTrailReader
	if cfg.ClickHouse.Enabled() {
		chSink, err := storage.NewClickHouseAuditSink(
			cfg.ClickHouse.Addr, cfg.ClickHouse.Database,
			cfg.ClickHouse.Username, cfg.ClickHouse.Password,
			cfg.ClickHouse.BufferSize, sugar)
		if err != nil {
			return nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		sinks = append(sinks, chSink)
		auditReader = chSink
		sugar.Infow("ClickHouse audit sink enabled", "addr", cfg.ClickHouse.Addr)
	}
	app.audit = soar.NewMultiAuditSink(sinks...)

	retryDefaults := soar.RetryPolicy{
		MaxRetries:        cfg.SOAR.DefaultMaxRetries,
		InitialDelay:      cfg.SOAR.DefaultRetryDelay,
		BackoffMultiplier: cfg.SOAR.RetryBackoffMultiplier,
	}
	runner := soar.NewStepRunner(registry, soar.NewTemplateResolver(), retryDefaults, cfg.SOAR.DefaultStepTimeout, sugar)
	graphs := soar.NewGraphCache(registry)

	app.Executor = soar.NewExecutor(runner, graphs, store, app.audit,
		soar.OnErrorPolicy(cfg.SOAR.DefaultOnError), sugar)

	app.Queue = soar.NewQueue(store, store, limiter, sugar)

	resolver := soar.NewTriggerResolver(store, app.Queue, sugar)
	app.scheduler = soar.NewScheduler(resolver, sugar)

	app.Service = service.NewPlaybookService(store, store, app.Queue, app.Executor, registry, app.scheduler, sugar)

	var auth *api.Authenticator
	if cfg.Auth.Enabled {
		auth, err = api.NewAuthenticator(cfg.Auth, sugar)
		if err != nil {
			return nil, fmt.Errorf("initialize authenticator: %w", err)
		}
	}
	app.apiServer = api.New(cfg.Server, app.Service, registry, auditReader, app.stream, auth, sugar)

	return app, nil
}

// Start brings the worker pool, dispatcher, scheduler, stream hub and
// API server online.
func (a *App) Start(ctx context.Context) error {
	go a.stream.Start()

	a.pool = core.NewWorkerPool(ctx, a.Config.SOAR.Workers, a.Config.Queue.Size, "soar", a.Sugar)
	if err := a.pool.Start(); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	a.dispatcher = soar.NewDispatcher(a.Queue, a.pool, a.Executor, a.Store, a.Sugar)
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	scheduled, err := a.Store.ListScheduledPlaybooks(ctx)
	if err != nil {
		a.Sugar.Errorw("Failed to load scheduled playbooks", "error", err)
	} else if err := a.scheduler.Reload(scheduled); err != nil {
		a.Sugar.Warnw("Some schedules failed to register", "error", err)
	}
	a.scheduler.Start()

	go func() {
		if err := a.apiServer.Start(); err != nil {
			a.Sugar.Errorw("API server exited", "error", err)
		}
	}()

	a.Sugar.Infow("Orthrus started",
		"workers", a.Config.SOAR.Workers,
		"port", a.Config.Server.Port)
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops components in dependency order: no new work first,
// then in-flight work, then the sinks and stores underneath them.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.apiServer.Shutdown(ctx); err != nil {
		a.Sugar.Errorw("API shutdown failed", "error", err)
	}

	a.scheduler.Stop()
	a.Queue.Close()
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.pool != nil {
		a.pool.Stop()
	}

	if err := a.audit.Close(); err != nil {
		a.Sugar.Errorw("Audit sink shutdown failed", "error", err)
	}

	if err := a.Store.Close(); err != nil {
		a.Sugar.Errorw("Storage close failed", "error", err)
	}
	if a.redisCli != nil {
		if err := a.redisCli.Close(); err != nil {
			a.Sugar.Errorw("Redis close failed", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
