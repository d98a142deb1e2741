package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/subflow/subflow/internal/admission"
	"github.com/subflow/subflow/internal/blob"
	"github.com/subflow/subflow/internal/cache"
	"github.com/subflow/subflow/internal/config"
	"github.com/subflow/subflow/internal/httpapi"
	"github.com/subflow/subflow/internal/queue"
	"github.com/subflow/subflow/internal/store"
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

	service := admission.NewService(jobStore, statusCache, blobStore, workQueue, admission.Options{
		UploadTTL:   cfg.Jobs.UploadTTL(),
		DownloadTTL: cfg.Jobs.DownloadTTL(),
	})
	server := httpapi.NewServer(service, httpapi.WithObjectFrontDoor(blobStore))

	go func() {
		log.Info("Admission server listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(cfg.HTTP.Addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Shutdown: %v", err)
	}
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
