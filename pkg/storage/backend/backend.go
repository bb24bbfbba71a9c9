// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the remote storage adapters.
// All adapters implement the types.Connection interface.
package backend

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
)

// Registry holds registered adapter factories
var (
	registryMu sync.RWMutex
	registry   = make(map[types.BackendKind]Factory)
)

// Factory creates a Connection from config
type Factory func(cfg types.ConnectionConfig) (types.Connection, error)

// Register adds a factory for a backend kind
func Register(k types.BackendKind, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[k] = f
}

// Registered reports whether a factory exists for k
func Registered(k types.BackendKind) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[k]
	return ok
}

// RegisteredKinds lists the kinds with a factory, sorted
func RegisteredKinds() []types.BackendKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

// New creates a Connection from config
func New(cfg types.ConnectionConfig) (types.Connection, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Kind]
	registryMu.RUnlock()

	if !ok {
		return nil, types.NewError(types.KindConfigInvalid, "backend.New",
			fmt.Sprintf("unknown backend kind: %s", cfg.Kind), nil)
	}
	return f(cfg)
}

type managedConn struct {
	conn        types.Connection
	fingerprint string
}

// Manager memoizes one Connection per profile. A connection is rebuilt when
// the fingerprint of its connection parameters changes.
type Manager struct {
	mu      sync.Mutex
	conns   map[string]managedConn
	factory Factory
}

// NewManager creates a connection manager that builds through the registry
func NewManager() *Manager {
	return NewManagerWithFactory(New)
}

// NewManagerWithFactory creates a connection manager that builds with f
func NewManagerWithFactory(f Factory) *Manager {
	return &Manager{
		conns:   make(map[string]managedConn),
		factory: f,
	}
}

// Build creates an unmanaged connection with the manager's factory.
// The caller owns and closes it.
func (m *Manager) Build(cfg types.ConnectionConfig) (types.Connection, error) {
	return m.factory(cfg)
}

// Acquire returns the memoized connection for id, building it from cfg when
// none exists or the fingerprint changed.
func (m *Manager) Acquire(id, fingerprint string, cfg types.ConnectionConfig) (types.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mc, ok := m.conns[id]; ok {
		if mc.fingerprint == fingerprint {
			return mc.conn, nil
		}
		mc.conn.Close()
		delete(m.conns, id)
	}

	conn, err := m.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection %s: %w", id, err)
	}
	m.conns[id] = managedConn{conn: conn, fingerprint: fingerprint}
	return conn, nil
}

// Invalidate closes and forgets the connection for id
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mc, ok := m.conns[id]; ok {
		mc.conn.Close()
		delete(m.conns, id)
	}
}

// Close closes all connections
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mc := range m.conns {
		mc.conn.Close()
	}
	m.conns = make(map[string]managedConn)
	return nil
}
