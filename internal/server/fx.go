// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/api"
	"github.com/JakeFAU/pdf-watcher/internal/batch"
	"github.com/JakeFAU/pdf-watcher/internal/batch/remote"
	"github.com/JakeFAU/pdf-watcher/internal/changes"
	"github.com/JakeFAU/pdf-watcher/internal/clock/system"
	"github.com/JakeFAU/pdf-watcher/internal/config"
	"github.com/JakeFAU/pdf-watcher/internal/dispatcher"
	"github.com/JakeFAU/pdf-watcher/internal/hash/sha256"
	"github.com/JakeFAU/pdf-watcher/internal/id/uuid"
	"github.com/JakeFAU/pdf-watcher/internal/lock"
	memorylock "github.com/JakeFAU/pdf-watcher/internal/lock/memory"
	redislock "github.com/JakeFAU/pdf-watcher/internal/lock/redis"
	"github.com/JakeFAU/pdf-watcher/internal/logging"
	"github.com/JakeFAU/pdf-watcher/internal/metrics"
	"github.com/JakeFAU/pdf-watcher/internal/orchestrator"
	"github.com/JakeFAU/pdf-watcher/internal/progress"
	progresssinks "github.com/JakeFAU/pdf-watcher/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/pdf-watcher/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pdf-watcher/internal/publisher/pubsub"
	"github.com/JakeFAU/pdf-watcher/internal/report"
	"github.com/JakeFAU/pdf-watcher/internal/scheduler"
	memoryscheduler "github.com/JakeFAU/pdf-watcher/internal/scheduler/memory"
	redisscheduler "github.com/JakeFAU/pdf-watcher/internal/scheduler/redis"
	"github.com/JakeFAU/pdf-watcher/internal/sheet"
	"github.com/JakeFAU/pdf-watcher/internal/state"
	badgerstate "github.com/JakeFAU/pdf-watcher/internal/state/badger"
	gcsstate "github.com/JakeFAU/pdf-watcher/internal/state/gcs"
	memorystate "github.com/JakeFAU/pdf-watcher/internal/state/memory"
	pgstate "github.com/JakeFAU/pdf-watcher/internal/state/postgres"
	redisstate "github.com/JakeFAU/pdf-watcher/internal/state/redis"
	gcsstorage "github.com/JakeFAU/pdf-watcher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pdf-watcher/internal/storage/local"
	memorystorage "github.com/JakeFAU/pdf-watcher/internal/storage/memory"
	pgstore "github.com/JakeFAU/pdf-watcher/internal/storage/postgres"
	"github.com/JakeFAU/pdf-watcher/internal/telemetry"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Repository is the full set of tables a storage backend provides.
// *sheet.Workbook, *postgres.Repository and *memory.Repository satisfy it.
type Repository interface {
	watcher.SourceRepository
	watcher.ChangesRepository
	watcher.ChangesHistoryRepository
	watcher.ArchiveRepository
	watcher.SummaryRepository
	watcher.HistoryRepository
	watcher.RunLogRepository
	watcher.RunLogReader
}

type continuationScheduler interface {
	scheduler.Scheduler
	scheduler.Source
}

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	clock           watcher.Clock
	ids             watcher.IDGenerator
	repo            Repository
	workbook        *sheet.Workbook
	pgRepo          *pgstore.Repository
	pgState         *pgstate.Store
	pool            *pgxpool.Pool
	redis           goredis.UniversalClient
	badger          *badgerstate.Store
	scheduler       continuationScheduler
	memScheduler    *memoryscheduler.Scheduler
	orch            *orchestrator.Orchestrator
	history         *changes.History
	batches         *batch.Service
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracerShutdown  telemetry.Shutdown
	closeOnce       sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Storage    string `json:"storage"`
		State      string `json:"state"`
		Lock       string `json:"lock"`
		Scheduler  string `json:"scheduler"`
		Remote     bool   `json:"remote_batch"`
	}
	safeCfg := SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Storage:    cfg.Storage.Backend,
		State:      cfg.State.Backend,
		Lock:       cfg.Lock.Backend,
		Scheduler:  cfg.Scheduler.Backend,
		Remote:     cfg.RemoteBatch(),
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Orchestrator returns the run orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// SweepOptions returns the parallel sweep settings from the config.
func (a *App) SweepOptions() orchestrator.SweepOptions {
	return orchestrator.SweepOptions{
		BatchSize: a.cfg.Batch.ParallelSize,
		Limit:     a.cfg.Batch.ParallelLimit,
	}
}

// Setup prepares the storage backends: it writes the workbook sheets and
// header rows, or applies the Postgres schema.
func (a *App) Setup(ctx context.Context) error {
	if a.workbook != nil {
		if err := a.workbook.Setup(); err != nil {
			return fmt.Errorf("setup workbook: %w", err)
		}
		a.logger.Info("workbook prepared", zap.String("path", a.cfg.Workbook.Path))
	}
	if a.pgRepo != nil {
		if err := a.pgRepo.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate repository: %w", err)
		}
		a.logger.Info("repository schema applied")
	}
	if a.pgState != nil {
		if err := a.pgState.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate state table: %w", err)
		}
		a.logger.Info("state table ready", zap.String("table", a.cfg.State.Table))
	}
	return nil
}

// PruneHistory deletes expired changes history rows.
func (a *App) PruneHistory(ctx context.Context) (int, error) {
	return a.history.DeleteExpired(ctx)
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if a.cfg.Server.Dispatch {
		if _, err := a.orch.CleanupContinuations(ctx); err != nil {
			a.logger.Warn("continuation cleanup failed", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started")
			a.dispatch.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.memScheduler != nil {
			a.memScheduler.Close()
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.badger != nil {
		if err := a.badger.Close(); err != nil {
			a.logger.Warn("badger close failed", zap.Error(err))
		}
	}
	if a.workbook != nil {
		if err := a.workbook.Close(); err != nil {
			a.logger.Warn("workbook close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller supplied logger. On error every
// resource opened so far is closed.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := wire(ctx, app); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

// wire opens clients and assembles the run machinery onto app.
func wire(ctx context.Context, app *App) error {
	cfg, logger := app.cfg, app.logger
	var err error
	app.tracerShutdown, err = telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	app.logger.Info("building application dependencies")
	if err = setupClients(ctx, app); err != nil {
		return err
	}
	if err = setupRepository(ctx, app); err != nil {
		return err
	}
	states, err := setupState(ctx, app)
	if err != nil {
		return err
	}
	if err = setupScheduler(app); err != nil {
		return err
	}
	runLock, err := newGuard(app, cfg.Lock.RunKey)
	if err != nil {
		return err
	}
	archiveLock, err := newGuard(app, cfg.Lock.ArchiveKey)
	if err != nil {
		return err
	}
	app.batches, err = batch.NewFromRepositories(batch.Repositories{
		Archive:   app.repo,
		Summaries: app.repo,
		History:   app.repo,
		RunLog:    app.repo,
	}, archiveLock, app.clock, app.ids, cfg.Batch.LockWait, logger.Named("batch"))
	if err != nil {
		return fmt.Errorf("batch service init failed: %w", err)
	}
	runner, err := setupRunner(app)
	if err != nil {
		return err
	}
	reporter, err := setupReporter(ctx, app)
	if err != nil {
		return err
	}
	emitter, err := setupProgress(app)
	if err != nil {
		return err
	}

	app.history = changes.NewHistory(app.repo, app.repo, app.clock, cfg.Changes.Retention, logger.Named("changes"))
	app.orch, err = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Source:    app.repo,
		Changes:   app.repo,
		History:   app.history,
		States:    states,
		Scheduler: app.scheduler,
		Runner:    runner,
		Lock:      runLock,
		Hasher:    sha256.New(),
		Clock:     app.clock,
		IDs:       app.ids,
		Reporter:  reporter,
		Progress:  emitter,
		Logger:    logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.dispatch = dispatcher.New(app.scheduler, app.orch, dispatcher.Config{
		Timeout: cfg.Orchestrator.MaxExecutionTime,
	}, logger)

	var apiKey string
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(api.Options{
		Runs:           app.orch,
		Batches:        app.batches,
		History:        api.NewHistoryHandler(app.repo, app.repo, logger),
		Ready:          app.ready,
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger)

	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func setupClients(ctx context.Context, app *App) error {
	cfg := app.cfg
	if cfg.UsesPostgres() {
		pool, err := pgstore.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("postgres connect failed: %w", err)
		}
		app.pool = pool
		app.logger.Info("postgres pool initialized", zap.Int32("max_conns", cfg.Database.MaxConns))
	}
	if cfg.UsesRedis() {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.redis = rdb
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		app.logger.Info("redis client initialized", zap.String("addr", cfg.Redis.Addr))
	}
	if cfg.Storage.Blob.Backend == config.BackendGCS || cfg.State.Backend == config.BackendGCS {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
	}
	return nil
}

func setupRepository(_ context.Context, app *App) error {
	switch app.cfg.Storage.Backend {
	case config.BackendSheet:
		wb, err := sheet.Open(app.cfg.Workbook.Path, app.clock, app.logger.Named("sheet"))
		if err != nil {
			return fmt.Errorf("workbook open failed: %w", err)
		}
		app.workbook = wb
		app.repo = wb
		app.logger.Info("using workbook storage backend", zap.String("path", app.cfg.Workbook.Path))
	case config.BackendPostgres:
		repo, err := pgstore.NewRepository(app.pool)
		if err != nil {
			return fmt.Errorf("postgres repository init failed: %w", err)
		}
		app.pgRepo = repo
		app.repo = repo
		app.logger.Info("using postgres storage backend")
	default:
		app.repo = memorystorage.NewRepository()
		app.logger.Info("using in-memory storage backend")
	}
	return nil
}

func setupState(_ context.Context, app *App) (*state.Manager, error) {
	cfg := app.cfg.State
	var store state.Store
	switch cfg.Backend {
	case config.BackendRedis:
		s, err := redisstate.New(app.redis, cfg.Key, cfg.Expiry)
		if err != nil {
			return nil, fmt.Errorf("redis state store init failed: %w", err)
		}
		store = s
	case config.BackendPostgres:
		s, err := pgstate.New(app.pool, cfg.Table, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("postgres state store init failed: %w", err)
		}
		app.pgState = s
		store = s
	case config.BackendGCS:
		s, err := gcsstate.New(app.storage, gcsstate.Config{Bucket: cfg.Bucket, Object: cfg.Object})
		if err != nil {
			return nil, fmt.Errorf("gcs state store init failed: %w", err)
		}
		store = s
	case config.BackendBadger:
		s, err := badgerstate.Open(badgerstate.Config{Path: cfg.BadgerPath, Key: cfg.Key, TTL: cfg.Expiry})
		if err != nil {
			return nil, fmt.Errorf("badger state store init failed: %w", err)
		}
		app.badger = s
		store = s
	default:
		store = memorystate.New()
	}
	app.logger.Info("state store initialized",
		zap.String("backend", cfg.Backend),
		zap.Duration("expiry", cfg.Expiry),
	)
	return state.NewManager(store, app.clock, app.ids, cfg.Expiry, app.logger.Named("state")), nil
}

func setupScheduler(app *App) error {
	cfg := app.cfg.Scheduler
	if cfg.Backend == config.BackendRedis {
		s, err := redisscheduler.New(app.redis, app.clock, app.ids, redisscheduler.Config{Key: cfg.Key, Poll: cfg.Poll})
		if err != nil {
			return fmt.Errorf("redis scheduler init failed: %w", err)
		}
		app.scheduler = s
		app.logger.Info("using redis scheduler", zap.String("key", cfg.Key), zap.Duration("poll", cfg.Poll))
		return nil
	}
	s := memoryscheduler.New(app.clock, app.ids, cfg.Capacity)
	app.memScheduler = s
	app.scheduler = s
	app.logger.Info("using in-memory scheduler", zap.Int("capacity", cfg.Capacity))
	return nil
}

func newGuard(app *App, key string) (*lock.Guard, error) {
	cfg := app.cfg.Lock
	var backend lock.Backend
	if cfg.Backend == config.BackendRedis {
		l, err := redislock.New(app.redis, redislock.Config{Key: key, Lease: cfg.Lease, Poll: cfg.Poll})
		if err != nil {
			return nil, fmt.Errorf("redis lock %s init failed: %w", key, err)
		}
		backend = l
	} else {
		backend = memorylock.New()
	}
	return lock.NewGuard(backend, lock.Config{Retries: cfg.Retries, Backoff: cfg.Backoff},
		app.logger.Named("lock").With(zap.String("key", key))), nil
}

func setupRunner(app *App) (watcher.BatchRunner, error) {
	if !app.cfg.RemoteBatch() {
		app.logger.Info("using in-process batch runner")
		return app.batches, nil
	}
	client, err := remote.New(app.cfg.Batch.Remote, nil, app.logger.Named("remote_batch"))
	if err != nil {
		return nil, fmt.Errorf("remote batch client init failed: %w", err)
	}
	app.logger.Info("using remote batch runner",
		zap.String("url", app.cfg.Batch.Remote.BaseURL),
		zap.Float64("rps", app.cfg.Batch.Remote.RPS),
	)
	return client, nil
}

func setupReporter(ctx context.Context, app *App) (*report.Notifier, error) {
	blobs, err := setupBlobs(app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	deps := report.Deps{
		Publisher: publisher,
		Blobs:     blobs,
		Clock:     app.clock,
		Logger:    app.logger.Named("report"),
	}
	if app.workbook != nil {
		deps.Export = app.workbook
	}
	return report.New(app.cfg.Report, deps), nil
}

func setupBlobs(app *App) (watcher.BlobStore, error) {
	cfg := app.cfg.Storage.Blob
	switch cfg.Backend {
	case config.BackendGCS:
		blobs, err := gcsstorage.New(app.storage, cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS export backend", zap.String("bucket", cfg.GCS.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local export backend", zap.String("path", cfg.Local.BaseDir))
		return blobs, nil
	case config.BackendMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("workbook exports disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (watcher.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher, err = gcppublisher.New(app.pubsubClient.Publisher(app.cfg.PubSub.TopicName))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupProgress(app *App) (progress.Emitter, error) {
	cfg := app.cfg.Progress
	if !cfg.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if cfg.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if cfg.Prometheus {
		sink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		app.logger.Debug("Added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	app.progressHub = progress.NewHub(cfg.Hub, app.logger.Named("progress_hub"), sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", cfg.Hub.BufferSize),
		zap.Int("max_batch_events", cfg.Hub.MaxBatchEvents),
		zap.Duration("max_batch_wait", cfg.Hub.MaxBatchWait),
		zap.Duration("sink_timeout", cfg.Hub.SinkTimeout),
	)
	return app.progressHub, nil
}
