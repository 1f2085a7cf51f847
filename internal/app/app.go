// Package app wires one GhostHands worker process together: config,
// logger, Postgres/Redis connections, the repo layer, cost/rate-limit
// control, the executor, and the dispatcher picked by
// Config.DispatchMode. cmd/worker is a thin shell around New/Start/Close.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ghosthands/core/internal/callback"
	"github.com/ghosthands/core/internal/cost"
	"github.com/ghosthands/core/internal/data/db"
	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/data/repos/registry"
	"github.com/ghosthands/core/internal/data/repos/usage"
	"github.com/ghosthands/core/internal/dispatch"
	"github.com/ghosthands/core/internal/executor"
	"github.com/ghosthands/core/internal/hitl"
	"github.com/ghosthands/core/internal/ingress"
	"github.com/ghosthands/core/internal/observability"
	"github.com/ghosthands/core/internal/platform/config"
	"github.com/ghosthands/core/internal/platform/logger"
	"github.com/ghosthands/core/internal/progress"
	"github.com/ghosthands/core/internal/ratelimit"
	"github.com/ghosthands/core/internal/workerruntime"
)

// App bundles one process's fully-wired collaborators.
type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      config.Config
	Jobs     jobstore.Store
	Registry *executor.Registry
	Hooks    *ingress.Hooks
	Runtime  *workerruntime.Runtime

	listenPool *pgxpool.Pool
	redis      *redis.Client
	cancel     context.CancelFunc
	otelStop   func(context.Context) error
}

// New builds a fully-wired App from environment configuration. Task
// handlers (the browser-automation extension point) are not
// registered here — callers register them against app.Registry before
// calling Start, since GhostHands' core has no built-in automation.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading environment variables...")
	cfg := config.Load(log)

	otelStop := observability.InitOTel(context.Background(), log, "ghosthands-worker")

	pg, err := db.NewPostgresService(cfg.DatabaseURL, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	gdb := pg.DB()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
	}

	jobs := jobstore.New(gdb, log)
	workerRegistry := registry.New(gdb)
	usageRepo := usage.New(gdb)
	costControl := cost.NewControl(usageRepo, jobs)
	notifier := callback.NewNotifier(log)
	hitlCoordinator := hitl.New(jobs, notifier, log)
	handlerRegistry := executor.NewRegistry()

	var stream progress.Stream
	if rdb != nil {
		stream = progress.NewRedisStream(rdb)
	}

	exec := executor.New(executor.Deps{
		Jobs:        jobs,
		CostControl: costControl,
		Notifier:    notifier,
		Sessions:    unimplementedSessionFactory{},
		Registry:    handlerRegistry,
		Stream:      stream,
		HITL:        hitlCoordinator,
		Log:         log,
		WorkerID:    cfg.WorkerID,
	})

	gateway := buildGateway(rdb)

	a := &App{
		Log:      log,
		DB:       gdb,
		Cfg:      cfg,
		Jobs:     jobs,
		Registry: handlerRegistry,
		redis:    rdb,
		otelStop: otelStop,
	}

	dispatcher, announcer, err := a.buildDispatch(gdb, rdb, jobs, exec, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	a.Hooks = ingress.New(jobs, announcer, gateway, notifier, log)
	a.Runtime = workerruntime.New(workerruntime.Deps{
		WorkerID:       cfg.WorkerID,
		Jobs:           jobs,
		Registry:       workerRegistry,
		Dispatcher:     dispatcher,
		HeartbeatEvery: cfg.HeartbeatInterval,
		StaleAfter:     cfg.StaleJobThreshold,
		SweepEvery:     cfg.PollInterval,
		ShutdownGrace:  cfg.ShutdownGrace,
		StatusPort:     cfg.StatusPort,
		Log:            log,
	})
	return a, nil
}

// buildGateway wires the rate-limit gateway over Redis when available,
// falling back to the in-process store for a single-node deployment.
func buildGateway(rdb *redis.Client) *ratelimit.Gateway {
	var store ratelimit.WindowStore
	if rdb != nil {
		store = ratelimit.NewRedisStore(rdb)
	} else {
		store = ratelimit.NewMemoryStore()
	}
	return ratelimit.NewGateway(ratelimit.New(store))
}

// buildDispatch selects the Dispatcher/Announcer pair named by
// Cfg.DispatchMode. "notify" is the default since it needs nothing
// beyond the Postgres connection already open.
func (a *App) buildDispatch(gdb *gorm.DB, rdb *redis.Client, jobs jobstore.Store, exec *executor.Executor, log *logger.Logger) (dispatch.Dispatcher, dispatch.Announcer, error) {
	switch a.Cfg.DispatchMode {
	case "", "notify":
		pool, err := db.NewListenPool(context.Background(), a.Cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init listen pool: %w", err)
		}
		a.listenPool = pool
		d := dispatch.NewNotifyDispatcher(pool, jobs, exec, a.Cfg.WorkerID, a.Cfg.MaxConcurrent, log)
		return d, dispatch.NewNotifyAnnouncer(gdb), nil

	case "queue":
		if rdb == nil {
			return nil, nil, fmt.Errorf("dispatch_mode=queue requires REDIS_URL")
		}
		d := dispatch.NewQueueDispatcher(rdb, jobs, exec, a.Cfg.WorkerID, a.Cfg.MaxConcurrent, log)
		return d, dispatch.NewQueueAnnouncer(rdb), nil

	case "temporal":
		client, err := newTemporalClient(a.Cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("init temporal client: %w", err)
		}
		d := dispatch.NewTemporalDispatcher(client, "", jobs, exec, log)
		return d, dispatch.NewTemporalAnnouncer(d), nil

	default:
		return nil, nil, fmt.Errorf("unknown dispatch_mode %q", a.Cfg.DispatchMode)
	}
}

// Start launches the runtime's background loops under ctx, returning
// immediately; Close (or ctx cancellation) stops them.
func (a *App) Start(ctx context.Context) <-chan error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	errCh := make(chan error, 1)
	go func() { errCh <- a.Runtime.Run(runCtx) }()
	return errCh
}

// Close stops the runtime, closes the dedicated LISTEN pool and the
// Redis client if opened, and flushes the logger.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.listenPool != nil {
		a.listenPool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.otelStop != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelStop(shutdownCtx)
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
