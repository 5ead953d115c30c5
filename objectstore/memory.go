package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store useful for tests, examples and local
// dry runs. ETags are derived from a store-wide generation counter, so an
// object rewritten with identical content still gets a new ETag.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	gen     uint64
	now     func() time.Time
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
	etag        string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

// SetClock overrides the clock used to stamp LastModified on Put.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed stores an object with an explicit modification time, bypassing
// write conditions.
func (m *MemoryStore) Seed(key string, data []byte, contentType string, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(key, data, contentType, modified)
}

func (m *MemoryStore) storeLocked(key string, data []byte, contentType string, modified time.Time) string {
	m.gen++
	etag := fmt.Sprintf("\"%d\"", m.gen)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = memoryObject{
		data:        cp,
		contentType: contentType,
		modified:    modified.UTC(),
		etag:        etag,
	}
	return etag
}

func (o memoryObject) info(key string) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(o.data)),
		ContentType:  o.contentType,
		LastModified: o.modified,
		ETag:         o.etag,
	}
}

// Get returns a copy of the stored bytes.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, newError("get", key, KindTransient, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, newError("get", key, KindNotFound, nil)
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.info(key), nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, newError("head", key, KindTransient, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, newError("head", key, KindNotFound, nil)
	}
	return obj.info(key), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError("put", key, KindTransient, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.objects[key]
	if opts.IfNoneMatch && exists {
		return "", newError("put", key, KindPreconditionFailed, fmt.Errorf("object exists"))
	}
	if opts.IfMatch != "" && (!exists || current.etag != opts.IfMatch) {
		return "", newError("put", key, KindPreconditionFailed, fmt.Errorf("etag mismatch"))
	}
	return m.storeLocked(key, data, opts.ContentType, m.now()), nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError("list", prefix, KindTransient, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]ObjectInfo, 0)
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, obj.info(key))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return newError("delete", key, KindTransient, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
