package artifact

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore is an in-process Store for tests and single-binary development.
// Presigned URLs are BaseURL joined with the object key.
type MemoryStore struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: strings.TrimSuffix(baseURL, "/"), objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("put %s: size mismatch: declared %d, read %d", key, size, len(data))
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType, modified: time.Now().UTC()}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", key, ErrNotFound)
	}
	return m.info(key, obj), nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Stat(ctx, key)
	return err == nil, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	return m.BaseURL + "/" + (&url.URL{Path: key}).EscapedPath(), nil
}

func (m *MemoryStore) PresignHead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return m.Presign(ctx, key, ttl)
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, m.info(key, obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

func (m *MemoryStore) EnsureBucket(context.Context) error { return nil }

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Keys returns every stored key in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryStore) info(key string, obj memoryObject) ObjectInfo {
	sum := md5.Sum(obj.data)
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}
}

var _ Store = (*MemoryStore)(nil)
