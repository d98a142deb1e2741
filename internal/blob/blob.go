package blob

import (
	"context"
	"time"
)

// Handle is a time-limited capability to transfer one object.
type Handle struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the opaque object-storage facade. The core only ever derives keys,
// issues handles and moves bytes; how the objects are stored is not its
// concern.
type Store interface {
	IssueUploadHandle(key string, contentType string, ttl time.Duration) (Handle, error)
	IssueDownloadHandle(key string, ttl time.Duration) (Handle, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}
