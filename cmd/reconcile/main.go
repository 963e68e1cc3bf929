// Package main は整合性スイープを 1 回だけ実行するコマンドです。
// 外部スケジューラー（cron、Kubernetes CronJob など）から起動する想定です。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourusername/epub-forge/internal/cache"
	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/kv"
	"github.com/yourusername/epub-forge/internal/lock"
	"github.com/yourusername/epub-forge/internal/metrics"
	"github.com/yourusername/epub-forge/internal/queue"
	"github.com/yourusername/epub-forge/internal/reconcile"
	"github.com/yourusername/epub-forge/internal/store"
)

func main() {
	timeout := flag.Duration("timeout", 0, "sweep timeout (default: SWEEP_LOCK_TTL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *timeout <= 0 {
		*timeout = cfg.SweepLockTTL
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	report, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error("sweep failed", "error", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("failed to write report", "error", err)
		os.Exit(1)
	}
	if report.ItemErrors > 0 {
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*reconcile.Report, error) {
	repo, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	defer repo.Close()

	var (
		backend kv.Store
		locker  kv.Locker
	)
	switch cfg.CacheBackend {
	case config.CacheBackendBadger:
		db, err := kv.OpenBadger(cfg.BadgerPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		defer db.Close()
		backend, locker = db, db
	default:
		client, err := kv.OpenRedis(ctx, cfg.CacheRedisURL)
		if err != nil {
			return nil, fmt.Errorf("cache redis: %w", err)
		}
		defer client.Close()
		rs := kv.NewRedisStore(client)
		backend, locker = rs, rs
	}

	runtime, err := queue.NewRuntime(cfg.QueueRedisURL, queue.Options{MaxRetry: cfg.TaskMaxRetry, Retention: cfg.TaskRetention}, logger)
	if err != nil {
		return nil, fmt.Errorf("queue runtime: %w", err)
	}
	defer runtime.Close()

	collector := metrics.NewCollector()
	statusCache := cache.New(backend, collector, logger, cache.WithTTLPolicy(cache.TTLPolicy{
		Active:    cfg.CacheTTLActive,
		Completed: cfg.CacheTTLComplete,
		Failed:    cfg.CacheTTLFailed,
	}))

	svc := reconcile.NewService(repo, statusCache, runtime, lock.NewProvider(locker, logger), collector, logger, reconcile.Options{
		AuditWindow:     cfg.AuditWindow,
		BatchSize:       cfg.AuditBatchSize,
		GCAfter:         cfg.GCAfter,
		OrphanScanLimit: cfg.OrphanScanLimit,
		LockTTL:         cfg.SweepLockTTL,
		QueueTimeout:    2 * time.Second,
	})
	return svc.RunSweepOnce(ctx)
}
