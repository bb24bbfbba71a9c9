// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 64

// Default interval between sweeps of expired entries
const defaultSweepInterval = time.Minute

type entry struct {
	resp    *Response
	expires int64 // Unix nano, 0 = never
}

type shard struct {
	sync.RWMutex
	m map[string]entry
}

// Memory is an in-process Store. Keys are spread over lock-striped shards;
// expired entries are skipped on read and swept periodically.
type Memory struct {
	shards [numShards]shard

	maxEntries int

	sweepTimer *time.Timer
	sweepStop  chan struct{}
	stopOnce   sync.Once
}

// MemoryOption configures a Memory cache
type MemoryOption func(*Memory)

// WithMaxEntries bounds the cache. When full, the entry closest to expiry is evicted.
func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) {
		m.maxEntries = n
	}
}

// NewMemory creates a memory cache that sweeps expired entries every interval
// (one minute when interval <= 0). Call Stop when done.
func NewMemory(interval time.Duration, opts ...MemoryOption) *Memory {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	m := &Memory{sweepStop: make(chan struct{})}
	for i := range m.shards {
		m.shards[i].m = make(map[string]entry)
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sweepTimer = time.AfterFunc(interval, func() {
		m.sweep()
		select {
		case <-m.sweepStop:
			return
		default:
			m.sweepTimer.Reset(interval)
		}
	})
	return m
}

func (m *Memory) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%numShards]
}

func (m *Memory) Get(_ context.Context, key string) (*Response, bool, error) {
	s := m.shard(key)
	s.RLock()
	e, ok := s.m[key]
	s.RUnlock()
	if !ok || e.expired(time.Now().UnixNano()) {
		return nil, false, nil
	}
	return e.resp, true, nil
}

func (m *Memory) Set(_ context.Context, key string, resp *Response, ttl time.Duration) error {
	e := entry{resp: resp}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl).UnixNano()
	}
	if m.maxEntries > 0 && m.Len() >= m.maxEntries {
		m.evictOne()
	}
	s := m.shard(key)
	s.Lock()
	s.m[key] = e
	s.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	s := m.shard(key)
	s.Lock()
	delete(s.m, key)
	s.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not
func (m *Memory) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		n += len(s.m)
		s.RUnlock()
	}
	return n
}

// Stop ends the sweeper
func (m *Memory) Stop() {
	m.stopOnce.Do(func() {
		m.sweepTimer.Stop()
		close(m.sweepStop)
	})
}

func (m *Memory) sweep() {
	now := time.Now().UnixNano()
	for i := range m.shards {
		s := &m.shards[i]
		s.Lock()
		for k, e := range s.m {
			if e.expired(now) {
				delete(s.m, k)
			}
		}
		s.Unlock()
	}
}

func (m *Memory) evictOne() {
	var (
		victim string
		found  bool
		soon   int64
		vs     *shard
	)
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		for k, e := range s.m {
			exp := e.expires
			if exp == 0 {
				exp = 1<<63 - 1
			}
			if !found || exp < soon {
				victim, soon, vs, found = k, exp, s, true
			}
		}
		s.RUnlock()
	}
	if found {
		vs.Lock()
		delete(vs.m, victim)
		vs.Unlock()
	}
}

func (e entry) expired(now int64) bool {
	return e.expires != 0 && now >= e.expires
}

var _ Store = (*Memory)(nil)
