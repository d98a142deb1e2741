package cache

import (
	"context"

	"github.com/subflow/subflow/internal/jobs"
)

// Cache is the fast-path accelerator for status reads. It is never
// authoritative and never read-modify-written: entries are either fully
// replaced with a just-computed view or deleted.
type Cache interface {
	// GetView returns the cached view for a job, if present and fresh.
	GetView(ctx context.Context, jobID string) (*jobs.View, bool, error)

	// PutView replaces the entry for view.ID. TTL is chosen by the caller:
	// short while the job can still change, long once terminal.
	PutView(ctx context.Context, view *jobs.View, terminal bool) error

	// Invalidate deletes the entry so the next read falls through to the
	// durable store. Called after every durable mutation.
	Invalidate(ctx context.Context, jobID string) error
}
