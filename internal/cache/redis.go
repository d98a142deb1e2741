package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/subflow/subflow/internal/jobs"
)

const (
	// DefaultActiveTTL bounds how stale an in-flight status can look to a
	// polling client.
	DefaultActiveTTL = 5 * time.Second
	// DefaultTerminalTTL applies once the status can no longer change.
	DefaultTerminalTTL = time.Hour
)

// Redis caches job views under "job:{id}".
type Redis struct {
	client      *redis.Client
	activeTTL   time.Duration
	terminalTTL time.Duration
}

func NewRedis(url string, activeTTL, terminalTTL time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if activeTTL <= 0 {
		activeTTL = DefaultActiveTTL
	}
	if terminalTTL <= 0 {
		terminalTTL = DefaultTerminalTTL
	}
	return &Redis{
		client:      redis.NewClient(opts),
		activeTTL:   activeTTL,
		terminalTTL: terminalTTL,
	}, nil
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func cacheKey(jobID string) string {
	return "job:" + jobID
}

func (c *Redis) GetView(ctx context.Context, jobID string) (*jobs.View, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var view jobs.View
	if err := json.Unmarshal(raw, &view); err != nil {
		// A corrupt entry must not break reads; the store is the fallback.
		_ = c.client.Del(ctx, cacheKey(jobID)).Err()
		return nil, false, nil
	}
	return &view, true, nil
}

func (c *Redis) PutView(ctx context.Context, view *jobs.View, terminal bool) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal view: %w", err)
	}
	ttl := c.activeTTL
	if terminal {
		ttl = c.terminalTTL
	}
	if err := c.client.Set(ctx, cacheKey(view.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, jobID string) error {
	if err := c.client.Del(ctx, cacheKey(jobID)).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}
