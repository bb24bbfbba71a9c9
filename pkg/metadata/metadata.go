// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata defines the record and profile persistence contract and
// the record service that runs lifecycle hooks around every mutation.
package metadata

import (
	"context"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
)

// Driver identifies a metadata store implementation
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// RecordFilter selects records. Zero fields do not filter.
type RecordFilter struct {
	ProfileID      string
	RemoteKey      string
	Unassigned     bool // only records without a profile
	Folder         string
	ExcludeFolders bool
	ExcludeID      string
	Limit          int
}

// Match reports whether rec passes the filter (Limit is not considered)
func (f RecordFilter) Match(rec *types.Record) bool {
	switch {
	case f.ProfileID != "" && rec.ProfileID != f.ProfileID:
		return false
	case f.RemoteKey != "" && rec.RemoteKey != f.RemoteKey:
		return false
	case f.Unassigned && rec.ProfileID != "":
		return false
	case f.Folder != "" && rec.Folder != f.Folder:
		return false
	case f.ExcludeFolders && rec.IsFolder:
		return false
	case f.ExcludeID != "" && rec.ID == f.ExcludeID:
		return false
	}
	return true
}

// RecordStore persists file records. Missing records yield types.ErrNotFound.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (*types.Record, error)
	// PutRecord inserts or replaces the record
	PutRecord(ctx context.Context, rec *types.Record) error
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context, filter RecordFilter) ([]*types.Record, error)
	CountRecords(ctx context.Context, filter RecordFilter) (int, error)
}

// ProfileStore persists storage profiles. Secrets are never part of a profile row.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*types.StorageProfile, error)
	PutProfile(ctx context.Context, p *types.StorageProfile) error
	DeleteProfile(ctx context.Context, id string) error
	ListProfiles(ctx context.Context) ([]*types.StorageProfile, error)
}

// Store is the full metadata store
type Store interface {
	RecordStore
	ProfileStore
	Close() error
}

// SharingCount returns how many records other than excludeID point at
// (profileID, remoteKey). It is a fresh query every time.
func SharingCount(ctx context.Context, s RecordStore, profileID, remoteKey, excludeID string) (int, error) {
	if profileID == "" || remoteKey == "" {
		return 0, nil
	}
	return s.CountRecords(ctx, RecordFilter{ProfileID: profileID, RemoteKey: remoteKey, ExcludeID: excludeID})
}

// Permissions decides whether a caller may download a record
type Permissions interface {
	CanDownload(ctx context.Context, rec *types.Record) bool
}

// PublicOnly allows downloads of public, non-folder records
type PublicOnly struct{}

func (PublicOnly) CanDownload(_ context.Context, rec *types.Record) bool {
	return rec != nil && !rec.IsPrivate && !rec.IsFolder
}
