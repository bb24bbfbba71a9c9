// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile manages storage profiles: validation on save, secrets,
// memoized backend connections and folder mapping.
package profile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/secrets"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/google/uuid"
)

// DefaultTestTimeout bounds the live connection test run on save
const DefaultTestTimeout = 30 * time.Second

// Store is the part of the metadata store the manager needs
type Store interface {
	metadata.ProfileStore
	CountRecords(ctx context.Context, filter metadata.RecordFilter) (int, error)
}

// Manager owns storage profiles and their connections
type Manager struct {
	store       Store
	secrets     secrets.Store
	conns       *backend.Manager
	testTimeout time.Duration
	now         func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithConnections sets the connection manager (default: registry-backed)
func WithConnections(c *backend.Manager) Option {
	return func(m *Manager) {
		m.conns = c
	}
}

// WithTestTimeout bounds live connection tests
func WithTestTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.testTimeout = d
	}
}

func New(store Store, sec secrets.Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		secrets:     sec,
		testTimeout: DefaultTestTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.conns == nil {
		m.conns = backend.NewManager()
	}
	return m
}

// Close closes every memoized connection
func (m *Manager) Close() error {
	return m.conns.Close()
}

func (m *Manager) Get(ctx context.Context, id string) (*types.StorageProfile, error) {
	return m.store.GetProfile(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*types.StorageProfile, error) {
	return m.store.ListProfiles(ctx)
}

// InUse returns the number of records stored through profile id
func (m *Manager) InUse(ctx context.Context, id string) (int, error) {
	return m.store.CountRecords(ctx, metadata.RecordFilter{ProfileID: id})
}

// SaveResult carries the saved profile and non-blocking warnings for the operator
type SaveResult struct {
	Profile  *types.StorageProfile
	Warnings []string
}

// Save validates and persists p. Pending credentials in p.Secrets go to the
// secret store and never into the profile row. S3-family profiles are tested
// live when new or when a connection field changed; any failure aborts the save.
func (m *Manager) Save(ctx context.Context, p *types.StorageProfile) (*SaveResult, error) {
	const op = "profile.Save"

	if !backend.Registered(p.Kind) {
		return nil, types.NewError(types.KindConfigInvalid, op, fmt.Sprintf("unknown backend kind: %q", p.Kind), nil)
	}

	next := clone(p)
	if next.ID == "" {
		next.ID = uuid.NewString()
	}

	prev, err := m.store.GetProfile(ctx, next.ID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("load profile %s: %w", next.ID, err)
	}

	res := &SaveResult{}
	if next.StreamChunkSize != 0 && next.StreamChunkSize < types.MinStreamChunkSize {
		next.StreamChunkSize = types.MinStreamChunkSize
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("Stream chunk size raised to the minimum of %d bytes.", types.MinStreamChunkSize))
	}

	if prev != nil && next.CriticalFieldsChanged(prev) {
		n, err := m.InUse(ctx, next.ID)
		if err != nil {
			return nil, fmt.Errorf("count records of profile %s: %w", next.ID, err)
		}
		if n > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"This profile is used by %d records. Changing its connection settings or folders affects where they are read from.", n))
		}
	}

	connChanged := prev == nil || next.ConnectionFieldsChanged(prev)
	if next.Kind.IsS3Family() && connChanged {
		sec, err := m.mergedSecrets(ctx, next)
		if err != nil {
			return nil, err
		}
		if err := types.MissingFields(op, next.MissingFields(sec)); err != nil {
			return nil, err
		}
		if err := m.liveCheck(ctx, next, sec); err != nil {
			return nil, err
		}
	}

	for _, field := range slices.Sorted(maps.Keys(next.Secrets)) {
		v := next.Secrets[field]
		if v == "" {
			continue
		}
		if err := m.secrets.Set(ctx, types.SecretEntityProfile, next.ID, field, v); err != nil {
			return nil, fmt.Errorf("store secret %s: %w", field, err)
		}
	}
	next.Secrets = nil

	now := m.now().UTC()
	if prev == nil {
		next.CreatedAt = now
	} else {
		next.CreatedAt = prev.CreatedAt
	}
	next.UpdatedAt = now

	if err := m.store.PutProfile(ctx, next); err != nil {
		return nil, fmt.Errorf("persist profile %s: %w", next.ID, err)
	}
	if prev != nil && connChanged {
		m.conns.Invalidate(next.ID)
	}

	for _, w := range res.Warnings {
		logger.Ctx(ctx).Warn().Str("profile_id", next.ID).Msg(w)
	}
	res.Profile = next
	return res, nil
}

// liveCheck builds a throwaway connection and verifies the container exists
func (m *Manager) liveCheck(ctx context.Context, p *types.StorageProfile, sec map[string]string) error {
	const op = "profile.Save"

	ctx, cancel := context.WithTimeout(ctx, m.testTimeout)
	defer cancel()

	conn, err := m.conns.Build(p.ConnectionConfig(sec))
	if err != nil {
		return fmt.Errorf("connection test: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ValidateContainer(ctx, ""); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return &types.Error{Kind: types.KindNotFound, Op: op, Key: p.Container(),
				Msg: fmt.Sprintf("bucket '%s' not found", p.Container()), Err: err}
		}
		return fmt.Errorf("connection test: %w", err)
	}
	return nil
}

// Delete removes a profile that no record uses, along with its secrets
func (m *Manager) Delete(ctx context.Context, id string) error {
	n, err := m.InUse(ctx, id)
	if err != nil {
		return fmt.Errorf("count records of profile %s: %w", id, err)
	}
	if n > 0 {
		return &types.Error{Kind: types.KindConfigInvalid, Op: "profile.Delete",
			Msg: fmt.Sprintf("profile %s is used by %d records and cannot be deleted", id, n)}
	}
	if err := m.store.DeleteProfile(ctx, id); err != nil {
		return err
	}
	m.conns.Invalidate(id)
	if err := m.secrets.Delete(ctx, types.SecretEntityProfile, id); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("profile_id", id).Msg("failed to delete profile secrets")
	}
	return nil
}

// storedSecrets reads the persisted secrets the profile's kind needs
func (m *Manager) storedSecrets(ctx context.Context, p *types.StorageProfile) (map[string]string, error) {
	if p.ID == "" {
		return map[string]string{}, nil
	}
	sec, err := secrets.Resolve(ctx, m.secrets, types.SecretEntityProfile, p.ID, p.RequiredSecrets()...)
	if err != nil {
		return nil, fmt.Errorf("resolve secrets of profile %s: %w", p.ID, err)
	}
	return sec, nil
}

// mergedSecrets overlays pending updates in p.Secrets on the stored values
func (m *Manager) mergedSecrets(ctx context.Context, p *types.StorageProfile) (map[string]string, error) {
	sec, err := m.storedSecrets(ctx, p)
	if err != nil {
		return nil, err
	}
	for k, v := range p.Secrets {
		if v != "" {
			sec[k] = v
		}
	}
	return sec, nil
}

// Connection returns the memoized connection for p, rebuilding it when the
// connection fields or secrets changed since it was built.
func (m *Manager) Connection(ctx context.Context, p *types.StorageProfile) (types.Connection, error) {
	sec, err := m.storedSecrets(ctx, p)
	if err != nil {
		return nil, err
	}
	return m.conns.Acquire(p.ID, p.Fingerprint(sec), p.ConnectionConfig(sec))
}

// Resolve loads profile id and its connection
func (m *Manager) Resolve(ctx context.Context, id string) (*types.StorageProfile, types.Connection, error) {
	p, err := m.store.GetProfile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	conn, err := m.Connection(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return p, conn, nil
}

// ForFolder returns the enabled profile mapped to folder, falling back to the
// one mapped to the Home folder. It returns nil when neither exists.
func (m *Manager) ForFolder(ctx context.Context, folder string) (*types.StorageProfile, error) {
	profiles, err := m.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	for _, want := range []string{folder, types.HomeFolder} {
		for _, p := range profiles {
			if p.Enabled && p.ServesFolder(want) {
				return p, nil
			}
		}
	}
	return nil, nil
}

// ListRemoteObjects lazily lists the profile's container
func (m *Manager) ListRemoteObjects(ctx context.Context, id string, recursive bool) iter.Seq2[types.ObjectInfo, error] {
	return func(yield func(types.ObjectInfo, error) bool) {
		_, conn, err := m.Resolve(ctx, id)
		if err != nil {
			yield(types.ObjectInfo{}, err)
			return
		}
		for info, err := range conn.List(ctx, "", recursive) {
			if !yield(info, err) || err != nil {
				return
			}
		}
	}
}

func clone(p *types.StorageProfile) *types.StorageProfile {
	c := *p
	c.PresignMIMEPrefixes = slices.Clone(p.PresignMIMEPrefixes)
	c.IgnoredKinds = slices.Clone(p.IgnoredKinds)
	c.Folders = slices.Clone(p.Folders)
	c.Options = maps.Clone(p.Options)
	c.Secrets = maps.Clone(p.Secrets)
	return &c
}
