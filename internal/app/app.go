// Package app wires the configured clients into the render pipeline. Both
// binaries build their components here so they share one construction path.
package app

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/config"
	"github.com/bobarin/splitrender/internal/db"
	"github.com/bobarin/splitrender/internal/dispatch"
	"github.com/bobarin/splitrender/internal/metrics"
	"github.com/bobarin/splitrender/internal/queue"
	"github.com/bobarin/splitrender/internal/services"
	"github.com/bobarin/splitrender/internal/storage"
	"github.com/bobarin/splitrender/internal/worker"
)

type App struct {
	Config  *config.Config
	Logger  hclog.Logger
	Metrics *metrics.Collector

	Store    storage.BlobStore
	DB       *db.DB       // nil without DATABASE_URL
	Queue    *queue.Queue // nil unless DISPATCH_MODE=redis
	ChunkJob *worker.ChunkJob

	Dispatcher   dispatch.Dispatcher
	Orchestrator *worker.Orchestrator
	Cleaner      *worker.Cleaner

	closers []func() error
}

// NewStore builds the configured blob store.
func NewStore(cfg *config.Config, logger hclog.Logger) (storage.BlobStore, error) {
	switch cfg.StorageProvider {
	case config.StorageProviderLocalFS:
		return storage.NewLocalFS(cfg.StorageLocalRoot)
	case config.StorageProviderSupabase:
		return storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
}

// New connects every client the configuration asks for and assembles the
// orchestrator. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewCollector(),
	}

	store, err := NewStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	logger.Info("initialized storage", "provider", cfg.StorageProvider)

	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		if err := database.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.DB = database
		logger.Info("connected to database")
	}

	renderer, err := services.NewRemotionRenderer(cfg.RenderCommand, cfg.RenderEntryPoint, cfg.RenderOutputDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	ffmpegSvc, err := services.NewFFmpegService(cfg.ScratchDir, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ChunkJob = worker.NewChunkJob(store, renderer, a.Metrics, logger)

	switch cfg.DispatchMode {
	case config.DispatchModeRedis:
		q, err := queue.New(cfg.RedisURL, cfg.ChunkResultTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, q.Close)
		a.Queue = q
		a.Dispatcher = dispatch.NewRedis(q, cfg.ChunkJoinTimeout, logger)
		a.Metrics.ObserveQueueDepth(q.GetQueueLength)
		logger.Info("connected to redis queue", "queue", queue.QueueRenderChunk)
	default:
		a.Dispatcher = dispatch.NewLocal(a.ChunkJob, cfg.MaxConcurrentChunks, logger)
		logger.Info("dispatching chunks in-process", "max_concurrent", cfg.MaxConcurrentChunks)
	}

	var recorder worker.RunRecorder
	if a.DB != nil {
		recorder = a.DB
	}

	a.Cleaner = worker.NewCleaner(store, a.Metrics, logger)
	a.Orchestrator = worker.NewOrchestrator(
		a.Dispatcher,
		worker.NewCombiner(store, ffmpegSvc, cfg.ScratchDir, a.Metrics, logger),
		a.Cleaner,
		recorder,
		a.Metrics,
		worker.Options{
			DefaultChunkSize: cfg.DefaultChunkSize,
			SubmitDelay:      cfg.SubmitDelay,
		},
		logger,
	)

	return a, nil
}

// NewConsumer builds a consumer for chunks dispatched through redis.
func (a *App) NewConsumer() (*worker.Consumer, error) {
	if a.Queue == nil {
		return nil, fmt.Errorf("chunk consumer needs DISPATCH_MODE=redis")
	}
	return worker.NewConsumer(a.Queue, a.ChunkJob, a.Logger), nil
}

// Close waits for running renders, then releases clients in reverse order.
func (a *App) Close() error {
	if a.Orchestrator != nil {
		a.Orchestrator.Wait()
	}
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}

	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
