package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/epub-forge/internal/cache"
	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/conversion"
	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/events"
	"github.com/yourusername/epub-forge/internal/kv"
	"github.com/yourusername/epub-forge/internal/lock"
	"github.com/yourusername/epub-forge/internal/metrics"
	"github.com/yourusername/epub-forge/internal/queue"
	"github.com/yourusername/epub-forge/internal/reconcile"
	"github.com/yourusername/epub-forge/internal/status"
	"github.com/yourusername/epub-forge/internal/storage"
	"github.com/yourusername/epub-forge/internal/store"
)

// services は API プロセスが保持するコンポーネント一式です。
type services struct {
	logger    *slog.Logger
	metrics   *metrics.Collector
	store     *store.SQLStore
	cache     *cache.StatusCache
	runtime   *queue.Runtime
	manager   *conversion.Manager
	resolver  *status.Resolver
	sweeper   *reconcile.Service
	events    *events.Handler
	stream    *queue.StreamSource
	worker    *queue.Server
	scheduler *reconcile.Scheduler
	badger    *kv.BadgerStore

	closers []func() error
}

// setupServices は設定に従って永続ストア、キャッシュ、キュー、スイープを組み立てます。
func setupServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	s := &services{logger: logger, metrics: metrics.NewCollector()}
	if err := s.build(ctx, cfg); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *services) build(ctx context.Context, cfg *config.Config) error {
	logger := s.logger

	repo, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}
	s.store = repo
	s.closers = append(s.closers, repo.Close)

	queueRedis, err := kv.OpenRedis(ctx, cfg.QueueRedisURL)
	if err != nil {
		return fmt.Errorf("queue redis: %w", err)
	}
	s.closers = append(s.closers, queueRedis.Close)

	cacheStore, locker, err := s.openCacheBackend(ctx, cfg, queueRedis)
	if err != nil {
		return err
	}
	s.cache = cache.New(cacheStore, s.metrics, logger, cache.WithTTLPolicy(cache.TTLPolicy{
		Active:    cfg.CacheTTLActive,
		Completed: cfg.CacheTTLComplete,
		Failed:    cfg.CacheTTLFailed,
	}))

	runtime, err := queue.NewRuntime(cfg.QueueRedisURL, queue.Options{
		MaxRetry:  cfg.TaskMaxRetry,
		Retention: cfg.TaskRetention,
	}, logger)
	if err != nil {
		return fmt.Errorf("queue runtime: %w", err)
	}
	s.runtime = runtime
	s.closers = append(s.closers, runtime.Close)

	manager, err := conversion.NewManager(repo, s.cache, runtime, s.metrics, logger)
	if err != nil {
		return err
	}
	manager.AddHealthCheck("durable", repo.Ping)
	manager.AddHealthCheck("queue", func(ctx context.Context) error { return queueRedis.Ping(ctx).Err() })
	s.manager = manager

	s.resolver = status.NewResolver(repo, s.cache, runtime, s.metrics, logger).
		WithQueueTimeout(cfg.QueueLookupTimeout)

	s.sweeper = reconcile.NewService(repo, s.cache, runtime, lock.NewProvider(locker, logger), s.metrics, logger, reconcile.Options{
		AuditWindow:     cfg.AuditWindow,
		BatchSize:       cfg.AuditBatchSize,
		GCAfter:         cfg.GCAfter,
		OrphanScanLimit: cfg.OrphanScanLimit,
		LockTTL:         cfg.SweepLockTTL,
		QueueTimeout:    reconcile.DefaultOptions.QueueTimeout,
	})
	if cfg.RunScheduler {
		s.scheduler = reconcile.NewScheduler(s.sweeper, cfg.SweepInterval, cfg.SweepLockTTL, logger)
	}

	s.events = events.NewHandler(s.cache, s.metrics, logger)
	s.stream = queue.NewStreamSource(queueRedis, "status-cache", logger)

	if cfg.RunWorkers {
		if err := s.setupWorkers(ctx, cfg, queueRedis); err != nil {
			return err
		}
	}
	return nil
}

// openCacheBackend は CACHE_BACKEND に応じたキャッシュとロックのバックエンドを返します。
func (s *services) openCacheBackend(ctx context.Context, cfg *config.Config, queueRedis *redis.Client) (kv.Store, kv.Locker, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendBadger:
		db, err := kv.OpenBadger(cfg.BadgerPath, s.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger cache: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		s.badger = db
		return db, db, nil
	default:
		client := queueRedis
		if cfg.CacheRedisURL != "" && cfg.CacheRedisURL != cfg.QueueRedisURL {
			c, err := kv.OpenRedis(ctx, cfg.CacheRedisURL)
			if err != nil {
				return nil, nil, fmt.Errorf("cache redis: %w", err)
			}
			s.closers = append(s.closers, c.Close)
			client = c
		}
		rs := kv.NewRedisStore(client)
		return rs, rs, nil
	}
}

func (s *services) setupWorkers(ctx context.Context, cfg *config.Config, queueRedis *redis.Client) error {
	if cfg.SourceBaseURL == "" {
		return errors.New("SOURCE_BASE_URL is required when RUN_WORKERS is enabled")
	}
	uploader, err := storage.NewUploader(ctx, storage.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Bucket:    cfg.MinioBucket,
		URLTTL:    cfg.ArtifactURLTTL,
	}, s.logger)
	if err != nil {
		return err
	}
	pipeline := convert.NewPipeline(
		convert.NewHTTPFetcher(cfg.SourceBaseURL, cfg.SourceTimeout),
		convert.NewEPUBGenerator(),
		uploader,
		s.logger,
	)
	s.manager.WithWorker(pipeline, convert.LogNotifier{Logger: s.logger})

	redisOpt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse QUEUE_REDIS_URL: %w", err)
	}
	s.worker = queue.NewServer(redisOpt, queue.ServerOptions{Concurrency: cfg.WorkerConcurrency},
		queue.NewPublisher(queueRedis, cfg.EventStreamMaxLen), s.logger)
	return s.manager.Register(s.worker)
}

// Start はイベント購読、ワーカー、スケジューラーをバックグラウンドで起動します。
func (s *services) Start(ctx context.Context) error {
	go func() {
		if err := s.events.Run(ctx, s.stream); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("event consumer stopped", "error", err)
		}
	}()
	if s.worker != nil {
		if err := s.worker.Start(); err != nil {
			return fmt.Errorf("start workers: %w", err)
		}
		s.logger.Info("workers started")
	}
	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start sweep scheduler: %w", err)
		}
	}
	if s.badger != nil {
		go s.runBadgerGC(ctx)
	}
	return nil
}

// runBadgerGC は組み込みキャッシュの値ログを定期的に回収します。
func (s *services) runBadgerGC(ctx context.Context) {
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.badger.RunGC()
		}
	}
}

// Close は起動したコンポーネントを逆順に停止します。
func (s *services) Close() error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.worker != nil {
		s.worker.Shutdown()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const (
	// shutdownTimeout は HTTP サーバー停止時の待ち時間です。
	shutdownTimeout  = 15 * time.Second
	badgerGCInterval = 10 * time.Minute
)
