// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/env"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
)

// KindMemory is an in-process backend used for development and tests.
// Profiles may select it outside production.
const KindMemory types.BackendKind = "memory"

func init() {
	Register(KindMemory, func(cfg types.ConnectionConfig) (types.Connection, error) {
		return memoryConnection(cfg, env.IsProduction())
	})
}

// memoryConnection builds a memory backend; objects are lost on restart,
// so production refuses it.
func memoryConnection(cfg types.ConnectionConfig, production bool) (types.Connection, error) {
	if production {
		return nil, types.NewError(types.KindConfigInvalid, "backend.New",
			"the memory backend loses every object on restart and is refused in production", nil)
	}
	return NewMemoryStorage(cfg.Bucket), nil
}

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

// MemoryStorage is an in-memory Connection. Faults can be injected to
// simulate an unreachable backend.
type MemoryStorage struct {
	kind    types.BackendKind
	mu      sync.RWMutex
	bucket  string
	buckets map[string]struct{}
	objects map[string]memObject

	calls       atomic.Int64
	unavailable atomic.Bool
	putErr      atomic.Pointer[error]
}

// NewMemoryStorage creates an in-memory storage bound to bucket.
// Additional containers can be created with CreateContainer.
func NewMemoryStorage(bucket string) *MemoryStorage {
	return NewMemoryStorageKind(KindMemory, bucket)
}

// NewMemoryStorageKind creates an in-memory storage reporting the given kind,
// so tests can stand up two stores of different kinds.
func NewMemoryStorageKind(kind types.BackendKind, bucket string) *MemoryStorage {
	m := &MemoryStorage{
		kind:    kind,
		bucket:  bucket,
		buckets: make(map[string]struct{}),
		objects: make(map[string]memObject),
	}
	if bucket != "" {
		m.buckets[bucket] = struct{}{}
	}
	return m
}

func (m *MemoryStorage) Kind() types.BackendKind {
	return m.kind
}

// CreateContainer adds a container that ValidateContainer will find
func (m *MemoryStorage) CreateContainer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[name] = struct{}{}
}

// SetUnavailable makes every subsequent call fail with BackendUnavailable
func (m *MemoryStorage) SetUnavailable(v bool) {
	m.unavailable.Store(v)
}

// FailPuts makes every subsequent Put fail with err. A nil err clears the fault.
func (m *MemoryStorage) FailPuts(err error) {
	if err == nil {
		m.putErr.Store(nil)
		return
	}
	m.putErr.Store(&err)
}

// Calls returns the number of contract calls made against the store
func (m *MemoryStorage) Calls() int64 {
	return m.calls.Load()
}

// Has reports whether key exists, without counting as a call
func (m *MemoryStorage) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Len returns the number of stored objects
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Bytes returns a copy of the object at key, without counting as a call
func (m *MemoryStorage) Bytes(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

func (m *MemoryStorage) enter(ctx context.Context, op string) error {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return types.NewError(types.KindTransient, op, "context done", err)
	}
	if m.unavailable.Load() {
		return types.NewError(types.KindBackendUnavailable, op, "memory backend unavailable", nil)
	}
	return nil
}

func (m *MemoryStorage) notFound(op, key string) error {
	return &types.Error{Kind: types.KindNotFound, Op: op, Key: key, Msg: "object not found"}
}

func (m *MemoryStorage) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	if err := m.enter(ctx, "memory.Stat"); err != nil {
		return types.ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return types.ObjectInfo{}, m.notFound("memory.Stat", key)
	}
	return types.ObjectInfo{
		Key:      key,
		Size:     int64(len(obj.data)),
		ETag:     obj.etag,
		Modified: obj.modified,
	}, nil
}

func (m *MemoryStorage) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if err := m.enter(ctx, "memory.GetRange"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, m.notFound("memory.GetRange", key)
	}

	size := int64(len(obj.data))
	if offset >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	end := size
	if length > 0 && offset+length < size {
		end = offset + length
	}

	return io.NopCloser(bytes.NewReader(obj.data[offset:end])), nil
}

func (m *MemoryStorage) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	if err := m.enter(ctx, "memory.Put"); err != nil {
		return "", err
	}
	if p := m.putErr.Load(); p != nil {
		return "", *p
	}

	buf, err := io.ReadAll(data)
	if err != nil {
		return "", types.NewError(types.KindTransient, "memory.Put", "read data", err)
	}
	if size >= 0 && int64(len(buf)) != size {
		return "", types.NewError(types.KindUploadFailed, "memory.Put",
			fmt.Sprintf("short body: got %d bytes, expected %d", len(buf), size), nil)
	}
	if err := ctx.Err(); err != nil {
		return "", types.NewError(types.KindTransient, "memory.Put", "context done", err)
	}

	sum := md5.Sum(buf)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{
		data:     buf,
		etag:     hex.EncodeToString(sum[:]),
		modified: time.Now().UTC(),
	}
	return key, nil
}

func (m *MemoryStorage) Remove(ctx context.Context, key string) error {
	if err := m.enter(ctx, "memory.Remove"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStorage) List(ctx context.Context, container string, recursive bool) iter.Seq2[types.ObjectInfo, error] {
	return func(yield func(types.ObjectInfo, error) bool) {
		if err := m.enter(ctx, "memory.List"); err != nil {
			yield(types.ObjectInfo{}, err)
			return
		}

		m.mu.RLock()
		keys := make([]string, 0, len(m.objects))
		for k := range m.objects {
			keys = append(keys, k)
		}
		m.mu.RUnlock()
		slices.Sort(keys)

		seenDirs := make(map[string]bool)
		for _, k := range keys {
			if !recursive {
				if dir, _, nested := strings.Cut(k, "/"); nested {
					if !seenDirs[dir] {
						seenDirs[dir] = true
						if !yield(types.ObjectInfo{Key: dir + "/", IsDir: true}, nil) {
							return
						}
					}
					continue
				}
			}
			info, err := m.Stat(ctx, k)
			if err != nil {
				// removed while listing
				continue
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (m *MemoryStorage) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := m.enter(ctx, "memory.Presign"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("expires", fmt.Sprintf("%d", int64(ttl.Seconds())))
	return fmt.Sprintf("https://memory.invalid/%s/%s?%s", m.bucket, key, q.Encode()), nil
}

func (m *MemoryStorage) ValidateContainer(ctx context.Context, container string) (bool, error) {
	if err := m.enter(ctx, "memory.ValidateContainer"); err != nil {
		return false, err
	}
	if container == "" {
		container = m.bucket
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.buckets[container]; !ok {
		return false, &types.Error{Kind: types.KindNotFound, Op: "memory.ValidateContainer", Key: container, Msg: "container not found"}
	}
	return true, nil
}

// Close is a no-op so a shared store survives connection invalidation
func (m *MemoryStorage) Close() error {
	return nil
}
