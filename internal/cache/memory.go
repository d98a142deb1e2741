package cache

import (
	"context"
	"sync"
	"time"

	"github.com/subflow/subflow/internal/jobs"
)

// Memory is an in-process Cache for tests and deployments without Redis.
type Memory struct {
	activeTTL   time.Duration
	terminalTTL time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	view      jobs.View
	expiresAt time.Time
}

func NewMemory(activeTTL, terminalTTL time.Duration) *Memory {
	if activeTTL <= 0 {
		activeTTL = DefaultActiveTTL
	}
	if terminalTTL <= 0 {
		terminalTTL = DefaultTerminalTTL
	}
	return &Memory{
		activeTTL:   activeTTL,
		terminalTTL: terminalTTL,
		now:         time.Now,
		entries:     make(map[string]memoryEntry),
	}
}

func (c *Memory) GetView(_ context.Context, jobID string) (*jobs.View, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[jobID]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, jobID)
		return nil, false, nil
	}
	view := entry.view
	return &view, true, nil
}

func (c *Memory) PutView(_ context.Context, view *jobs.View, terminal bool) error {
	ttl := c.activeTTL
	if terminal {
		ttl = c.terminalTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[view.ID] = memoryEntry{
		view:      *view,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *Memory) Invalidate(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, jobID)
	return nil
}
