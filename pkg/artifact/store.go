// Package artifact stores build outputs in S3-compatible object storage.
package artifact

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("artifact: object not found")
	// ErrSealed is returned when writing under a prefix that already has a manifest.
	ErrSealed = errors.New("artifact: prefix sealed")
)

// MaxPresignTTL bounds the lifetime of presigned URLs.
const MaxPresignTTL = 7 * 24 * time.Hour

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Store is the object storage surface used by the builder and router.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignHead(ctx context.Context, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) error
	EnsureBucket(ctx context.Context) error
	Ping(ctx context.Context) error
}

func clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return 5 * time.Minute
	case ttl > MaxPresignTTL:
		return MaxPresignTTL
	default:
		return ttl
	}
}
