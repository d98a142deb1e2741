package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
//
// HTTP:
// - HTTP_ADDR: listen address of the admission server (default :8080)
//
// Storage:
// - DATA_DIR: directory for the job store, queue and blob objects (default ./data)
// - REDIS_URL: redis connection URL for the status cache (empty: in-process cache)
// - BLOB_BASE_URL: external base URL embedded in signed object handles (default http://localhost:8080)
// - BLOB_SIGNING_SECRET: HMAC secret for object handles (required)
//
// Engine:
// - ENGINE_API_KEY: API key for the translation engine (required)
// - ENGINE_API_URL: API endpoint URL (default https://openrouter.ai/api/v1)
// - ENGINE_TIMEOUT: request timeout in seconds (default 120)
// - ENGINE_MAX_TOKENS: output token cap per call (default 8192)
// - ENGINE_RPS: engine calls per second, 0 for unlimited (default 1)
//
// Pipeline:
// - WORKER_CONCURRENCY: concurrent lease loops per worker process (default 1)
// - QUEUE_MAX_ATTEMPTS: deliveries before a message goes dead (default 3)
// - QUEUE_LEASE_SECONDS: lease duration (default 30)
// - UPLOAD_URL_TTL_SECONDS: upload handle validity (default 900)
// - DOWNLOAD_URL_TTL_SECONDS: download handle validity (default 3600)
// - CACHE_TTL_ACTIVE_SECONDS: cache TTL for non-terminal jobs (default 5)
// - CACHE_TTL_TERMINAL_SECONDS: cache TTL for terminal jobs (default 3600)
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`
	Jobs    JobsConfig    `json:"jobs"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type StorageConfig struct {
	DataDir           string `json:"data_dir"`
	RedisURL          string `json:"redis_url"`
	BlobBaseURL       string `json:"blob_base_url"`
	BlobSigningSecret string `json:"-"`
}

// JobStorePath is the sqlite file backing the durable job store.
func (c StorageConfig) JobStorePath() string {
	return filepath.Join(c.DataDir, "jobs.db")
}

// QueuePath is the sqlite file backing the work queue's own bookkeeping.
func (c StorageConfig) QueuePath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// BlobRoot is the object root of the filesystem blob store.
func (c StorageConfig) BlobRoot() string {
	return filepath.Join(c.DataDir, "blobs")
}

type EngineConfig struct {
	APIKey    string  `json:"-"`
	APIURL    string  `json:"api_url"`
	Timeout   int     `json:"timeout"`
	MaxTokens int     `json:"max_tokens"`
	RPS       float64 `json:"rps"`
}

type JobsConfig struct {
	WorkerConcurrency int `json:"worker_concurrency"`
	QueueMaxAttempts  int `json:"queue_max_attempts"`
	QueueLeaseSeconds int `json:"queue_lease_seconds"`
	UploadTTLSeconds  int `json:"upload_ttl_seconds"`
	DownloadTTLSecs   int `json:"download_ttl_seconds"`
	CacheActiveSecs   int `json:"cache_ttl_active_seconds"`
	CacheTerminalSecs int `json:"cache_ttl_terminal_seconds"`
}

func (c JobsConfig) QueueLease() time.Duration {
	return time.Duration(c.QueueLeaseSeconds) * time.Second
}

func (c JobsConfig) UploadTTL() time.Duration {
	return time.Duration(c.UploadTTLSeconds) * time.Second
}

func (c JobsConfig) DownloadTTL() time.Duration {
	return time.Duration(c.DownloadTTLSecs) * time.Second
}

func (c JobsConfig) CacheActiveTTL() time.Duration {
	return time.Duration(c.CacheActiveSecs) * time.Second
}

func (c JobsConfig) CacheTerminalTTL() time.Duration {
	return time.Duration(c.CacheTerminalSecs) * time.Second
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment
// variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8080"),
		},
		Storage: StorageConfig{
			DataDir:           getEnvString("DATA_DIR", "./data"),
			RedisURL:          getEnvString("REDIS_URL", ""),
			BlobBaseURL:       getEnvString("BLOB_BASE_URL", "http://localhost:8080"),
			BlobSigningSecret: getEnvString("BLOB_SIGNING_SECRET", ""),
		},
		Engine: EngineConfig{
			APIKey:    getEnvString("ENGINE_API_KEY", ""),
			APIURL:    getEnvString("ENGINE_API_URL", "https://openrouter.ai/api/v1"),
			Timeout:   getEnvInt("ENGINE_TIMEOUT", 120),
			MaxTokens: getEnvInt("ENGINE_MAX_TOKENS", 8192),
			RPS:       getEnvFloat("ENGINE_RPS", 1),
		},
		Jobs: JobsConfig{
			WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 1),
			QueueMaxAttempts:  getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			QueueLeaseSeconds: getEnvInt("QUEUE_LEASE_SECONDS", 30),
			UploadTTLSeconds:  getEnvInt("UPLOAD_URL_TTL_SECONDS", 900),
			DownloadTTLSecs:   getEnvInt("DOWNLOAD_URL_TTL_SECONDS", 3600),
			CacheActiveSecs:   getEnvInt("CACHE_TTL_ACTIVE_SECONDS", 5),
			CacheTerminalSecs: getEnvInt("CACHE_TTL_TERMINAL_SECONDS", 3600),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Engine.APIKey == "" {
		return fmt.Errorf("ENGINE_API_KEY is required")
	}
	if c.Storage.BlobSigningSecret == "" {
		return fmt.Errorf("BLOB_SIGNING_SECRET is required")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
