// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory metadata store for development and tests.
package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
)

// Store keeps records and profiles in maps. Values are copied on the way in
// and out so callers never share state with the store.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*types.Record
	profiles map[string]*types.StorageProfile
}

func New() *Store {
	return &Store{
		records:  make(map[string]*types.Record),
		profiles: make(map[string]*types.StorageProfile),
	}
}

func notFound(op, id string) error {
	return &types.Error{Kind: types.KindNotFound, Op: op, Msg: id}
}

// ============================================================================
// Records
// ============================================================================

func (s *Store) GetRecord(_ context.Context, id string) (*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, notFound("memory.GetRecord", id)
	}
	return rec.Clone(), nil
}

func (s *Store) PutRecord(_ context.Context, rec *types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return notFound("memory.DeleteRecord", id)
	}
	delete(s.records, id)
	return nil
}

// ListRecords returns matches ordered by creation time, then id
func (s *Store) ListRecords(_ context.Context, filter metadata.RecordFilter) ([]*types.Record, error) {
	s.mu.RLock()
	var out []*types.Record
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *types.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountRecords(_ context.Context, filter metadata.RecordFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if filter.Match(rec) {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Profiles
// ============================================================================

func cloneProfile(p *types.StorageProfile) *types.StorageProfile {
	c := *p
	c.PresignMIMEPrefixes = slices.Clone(p.PresignMIMEPrefixes)
	c.IgnoredKinds = slices.Clone(p.IgnoredKinds)
	c.Folders = slices.Clone(p.Folders)
	c.Secrets = nil
	c.Options = maps.Clone(p.Options)
	return &c
}

func (s *Store) GetProfile(_ context.Context, id string) (*types.StorageProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, notFound("memory.GetProfile", id)
	}
	return cloneProfile(p), nil
}

func (s *Store) PutProfile(_ context.Context, p *types.StorageProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = cloneProfile(p)
	return nil
}

func (s *Store) DeleteProfile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return notFound("memory.DeleteProfile", id)
	}
	delete(s.profiles, id)
	return nil
}

// ListProfiles returns profiles ordered by id
func (s *Store) ListProfiles(_ context.Context) ([]*types.StorageProfile, error) {
	s.mu.RLock()
	out := make([]*types.StorageProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, cloneProfile(p))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *types.StorageProfile) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

var _ metadata.Store = (*Store)(nil)
