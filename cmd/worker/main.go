package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/subflow/subflow/internal/admission"
	"github.com/subflow/subflow/internal/blob"
	"github.com/subflow/subflow/internal/cache"
	"github.com/subflow/subflow/internal/config"
	"github.com/subflow/subflow/internal/engine"
	"github.com/subflow/subflow/internal/queue"
	"github.com/subflow/subflow/internal/store"
	"github.com/subflow/subflow/internal/worker"
	"github.com/subflow/subflow/pkg/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}

	jobStore, err := store.NewSQLiteStore(cfg.Storage.JobStorePath())
	if err != nil {
		log.Fatal("Failed to open job store: %v", err)
	}
	defer jobStore.Close()

	workQueue, err := queue.NewSQLiteQueue(cfg.Storage.QueuePath(), queue.Options{
		MaxAttempts: cfg.Jobs.QueueMaxAttempts,
	})
	if err != nil {
		log.Fatal("Failed to open work queue: %v", err)
	}
	defer workQueue.Close()

	statusCache := newStatusCache(cfg)

	blobStore, err := blob.NewFSStore(cfg.Storage.BlobRoot(), cfg.Storage.BlobBaseURL, cfg.Storage.BlobSigningSecret)
	if err != nil {
		log.Fatal("Failed to open blob store: %v", err)
	}

	eng, err := engine.NewClient(engine.Config{
		APIKey:      cfg.Engine.APIKey,
		APIURL:      cfg.Engine.APIURL,
		Timeout:     time.Duration(cfg.Engine.Timeout) * time.Second,
		MaxTokens:   cfg.Engine.MaxTokens,
		Temperature: 0.2,
		RPS:         cfg.Engine.RPS,
	})
	if err != nil {
		log.Fatal("Failed to create engine client: %v", err)
	}

	processor := worker.NewProcessor(jobStore, statusCache, blobStore, eng)
	w := worker.NewWorker(workQueue, processor, worker.Options{
		QueueName:   admission.QueueTranslation,
		Concurrency: cfg.Jobs.WorkerConcurrency,
		LeaseDur:    cfg.Jobs.QueueLease(),
	})

	// Janitor: trims the queue's terminal bookkeeping on a schedule.
	janitor := cron.New()
	if _, err := janitor.AddFunc("@every 10m", func() {
		if err := workQueue.PruneTerminal(context.Background()); err != nil {
			log.Error("Queue prune failed: %v", err)
		}
	}); err != nil {
		log.Fatal("Failed to schedule queue janitor: %v", err)
	}
	janitor.Start()
	defer janitor.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal("Worker failed: %v", err)
	}
	log.Info("Worker shut down")
}

func newStatusCache(cfg *config.Config) cache.Cache {
	if cfg.Storage.RedisURL == "" {
		log.Warn("REDIS_URL not set, using in-process status cache")
		return cache.NewMemory(cfg.Jobs.CacheActiveTTL(), cfg.Jobs.CacheTerminalTTL())
	}
	redisCache, err := cache.NewRedis(cfg.Storage.RedisURL, cfg.Jobs.CacheActiveTTL(), cfg.Jobs.CacheTerminalTTL())
	if err != nil {
		log.Fatal("Failed to connect status cache: %v", err)
	}
	return redisCache
}
