// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadatatest holds the behavior every metadata.Store must share.
package metadatatest

import (
	"context"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s metadata.Store) {
	t.Run("Records", func(t *testing.T) { testRecords(t, s) })
	t.Run("Filters", func(t *testing.T) { testFilters(t, s) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, s) })
}

func testRecords(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.GetRecord(ctx, "R1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	rec := &types.Record{
		ID:             "R1",
		FileName:       "logo.png",
		FileURL:        "/file/R1/logo.png",
		Size:           1000,
		ContentHash:    "abc",
		Folder:         "Home",
		AttachedToKind: "Website",
		AttachedToName: "site-1",
		ProfileID:      "P1",
		RemoteKey:      "site/logo-R1.png",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	require.NoError(t, s.PutRecord(ctx, rec))

	got, err := s.GetRecord(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	got.ProfileID, got.RemoteKey, got.FileURL = "", "", "/files/logo.png"
	got.UpdatedAt = created.Add(time.Hour)
	require.NoError(t, s.PutRecord(ctx, got))

	again, err := s.GetRecord(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "/files/logo.png", again.FileURL)
	assert.Empty(t, again.ProfileID)
	assert.True(t, again.CreatedAt.Equal(created), "created_at is kept on update")
	assert.True(t, again.UpdatedAt.Equal(created.Add(time.Hour)))

	require.NoError(t, s.DeleteRecord(ctx, "R1"))
	assert.ErrorIs(t, s.DeleteRecord(ctx, "R1"), types.ErrNotFound)
}

func testFilters(t *testing.T, s metadata.Store) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []*types.Record{
		{ID: "A", FileName: "a", ProfileID: "P1", RemoteKey: "k1", Folder: "Home"},
		{ID: "B", FileName: "b", ProfileID: "P1", RemoteKey: "k1", Folder: "Home"},
		{ID: "C", FileName: "c", ProfileID: "P2", RemoteKey: "k2", Folder: "Docs"},
		{ID: "D", FileName: "d", FileURL: "/files/d", Folder: "Docs"},
		{ID: "E", FileName: "e", FileURL: "/files/e", Folder: "Home"},
		{ID: "F", FileName: "Docs", IsFolder: true, Folder: "Home"},
	}
	for i, r := range recs {
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.PutRecord(ctx, r))
	}
	t.Cleanup(func() {
		for _, r := range recs {
			_ = s.DeleteRecord(ctx, r.ID)
		}
	})

	ids := func(f metadata.RecordFilter) []string {
		list, err := s.ListRecords(ctx, f)
		require.NoError(t, err)
		var out []string
		for _, r := range list {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F"}, ids(metadata.RecordFilter{}))
	assert.Equal(t, []string{"A", "B"}, ids(metadata.RecordFilter{ProfileID: "P1"}))
	assert.Equal(t, []string{"D", "E"}, ids(metadata.RecordFilter{Unassigned: true, ExcludeFolders: true}))
	assert.Equal(t, []string{"E"}, ids(metadata.RecordFilter{Unassigned: true, ExcludeFolders: true, Folder: "Home"}))
	assert.Equal(t, []string{"D"}, ids(metadata.RecordFilter{Unassigned: true, ExcludeFolders: true, Limit: 1}))

	n, err := metadata.SharingCount(ctx, s, "P1", "k1", "A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = metadata.SharingCount(ctx, s, "P2", "k2", "C")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.CountRecords(ctx, metadata.RecordFilter{ProfileID: "P1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testProfiles(t *testing.T, s metadata.Store) {
	ctx := context.Background()

	_, err := s.GetProfile(ctx, "P1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	p := &types.StorageProfile{
		ID:                  "P1",
		Title:               "Media",
		Kind:                types.KindS3Compatible,
		Enabled:             true,
		Endpoint:            "minio:9000",
		Bucket:              "b",
		AccessKey:           "AK",
		StreamChunkSize:     65536,
		PresignMIMEPrefixes: []string{"image/"},
		Folders:             []string{"Home"},
		Options:             map[string]string{"token_url": "http://x"},
		Secrets:             map[string]string{types.SecretKeyField: "never stored"},
	}
	require.NoError(t, s.PutProfile(ctx, p))
	require.NoError(t, s.PutProfile(ctx, &types.StorageProfile{ID: "P0", Kind: types.KindDropbox}))

	got, err := s.GetProfile(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "minio:9000", got.Endpoint)
	assert.Equal(t, []string{"image/"}, got.PresignMIMEPrefixes)
	assert.Equal(t, []string{"Home"}, got.Folders)
	assert.Equal(t, "http://x", got.Options["token_url"])
	assert.Nil(t, got.Secrets)

	list, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "P0", list[0].ID)
	assert.Equal(t, "P1", list[1].ID)

	require.NoError(t, s.DeleteProfile(ctx, "P1"))
	require.NoError(t, s.DeleteProfile(ctx, "P0"))
	assert.ErrorIs(t, s.DeleteProfile(ctx, "P1"), types.ErrNotFound)
}
