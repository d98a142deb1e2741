package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FSStore keeps objects under a local root directory and signs handles with
// HMAC-SHA256, the same shape a presigned S3 URL has: anyone holding the URL
// can transfer the object until it expires. A front door (nginx, or the
// admission server itself) verifies signatures with VerifyHandle.
type FSStore struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

func NewFSStore(root string, baseURL string, secret string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blob root is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("blob signing secret is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		now:     time.Now,
	}, nil
}

func (s *FSStore) IssueUploadHandle(key string, contentType string, ttl time.Duration) (Handle, error) {
	return s.issueHandle(key, "put", ttl)
}

func (s *FSStore) IssueDownloadHandle(key string, ttl time.Duration) (Handle, error) {
	return s.issueHandle(key, "get", ttl)
}

func (s *FSStore) issueHandle(key string, method string, ttl time.Duration) (Handle, error) {
	if err := validateKey(key); err != nil {
		return Handle{}, err
	}
	expiresAt := s.now().Add(ttl)
	sig := s.sign(key, method, expiresAt.Unix())
	u := fmt.Sprintf("%s/objects/%s?method=%s&exp=%d&sig=%s",
		s.baseURL,
		escapeKey(key),
		method,
		expiresAt.Unix(),
		sig,
	)
	return Handle{URL: u, Key: key, ExpiresAt: expiresAt}, nil
}

// escapeKey escapes each path segment of a key while keeping the slashes
// that separate them, so the URL path mirrors the object hierarchy.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// VerifyHandle checks a presented signature against key, method and expiry.
func (s *FSStore) VerifyHandle(key string, method string, exp string, sig string) bool {
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return false
	}
	if s.now().After(time.Unix(expUnix, 0)) {
		return false
	}
	expected := s.sign(key, method, expUnix)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (s *FSStore) sign(key string, method string, expUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, expUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key is empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid object key: %s", key)
	}
	return nil
}
