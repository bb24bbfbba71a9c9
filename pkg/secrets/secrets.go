// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package secrets stores credentials outside the profile records.
// Values are addressed by (entity kind, entity id, field name).
package secrets

import (
	"context"
	"maps"
	"sync"
)

// Store reads and writes secret fields. A missing field reads as "".
type Store interface {
	Get(ctx context.Context, entity, id, field string) (string, error)
	Set(ctx context.Context, entity, id, field, value string) error
	// Delete drops every field of the entity
	Delete(ctx context.Context, entity, id string) error
}

// Resolve reads each field and returns the non-empty values
func Resolve(ctx context.Context, s Store, entity, id string, fields ...string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		v, err := s.Get(ctx, entity, id, f)
		if err != nil {
			return nil, err
		}
		if v != "" {
			out[f] = v
		}
	}
	return out, nil
}

// Memory is an in-process Store for development and tests
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

func memoryKey(entity, id string) string {
	return entity + "/" + id
}

func (m *Memory) Get(_ context.Context, entity, id, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[memoryKey(entity, id)][field], nil
}

func (m *Memory) Set(_ context.Context, entity, id, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(entity, id)
	fields := maps.Clone(m.data[k])
	if fields == nil {
		fields = make(map[string]string)
	}
	fields[field] = value
	m.data[k] = fields
	return nil
}

func (m *Memory) Delete(_ context.Context, entity, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, memoryKey(entity, id))
	return nil
}

var _ Store = (*Memory)(nil)
