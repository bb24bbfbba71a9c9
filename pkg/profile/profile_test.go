// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata/memory"
	"github.com/LeeDigitalWorks/zapoffload/pkg/secrets"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture builds memory backends for every kind. Containers listed in
// existing validate; others report NotFound.
type fixture struct {
	store   *memory.Store
	secrets *secrets.Memory
	mgr     *Manager
	builds  atomic.Int32
	down    atomic.Bool

	mu       sync.Mutex
	existing map[string]*backend.MemoryStorage
}

func newFixture(t *testing.T, containers ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		secrets:  secrets.NewMemory(),
		existing: map[string]*backend.MemoryStorage{},
	}
	for _, c := range containers {
		f.existing[c] = nil
	}
	conns := backend.NewManagerWithFactory(f.build)
	f.mgr = New(f.store, f.secrets, WithConnections(conns))
	t.Cleanup(func() { f.mgr.Close() })
	return f
}

func (f *fixture) build(cfg types.ConnectionConfig) (types.Connection, error) {
	f.builds.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	container := cfg.Container()
	store, ok := f.existing[container]
	if !ok {
		store = backend.NewMemoryStorageKind(cfg.Kind, "")
	} else if store == nil {
		store = backend.NewMemoryStorageKind(cfg.Kind, container)
		f.existing[container] = store
	}
	store.SetUnavailable(f.down.Load())
	return store, nil
}

func (f *fixture) backend(container string) *backend.MemoryStorage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing[container] == nil {
		f.existing[container] = backend.NewMemoryStorageKind(types.KindS3Compatible, container)
	}
	return f.existing[container]
}

func s3Profile(id, bucket string) *types.StorageProfile {
	return &types.StorageProfile{
		ID:        id,
		Title:     "Media",
		Kind:      types.KindS3Compatible,
		Enabled:   true,
		Endpoint:  "minio:9000",
		Bucket:    bucket,
		AccessKey: "AK",
		Secrets:   map[string]string{types.SecretKeyField: "SK"},
	}
}

// ============================================================================
// Save Tests
// ============================================================================

func TestSave_NewS3ProfileIsTestedLive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b")
	ctx := context.Background()

	res, err := f.mgr.Save(ctx, s3Profile("P1", "b"))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Nil(t, res.Profile.Secrets)
	assert.False(t, res.Profile.CreatedAt.IsZero())
	assert.Equal(t, int32(1), f.builds.Load())

	stored, err := f.store.GetProfile(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, stored.Secrets)

	v, _ := f.secrets.Get(ctx, types.SecretEntityProfile, "P1", types.SecretKeyField)
	assert.Equal(t, "SK", v)
}

func TestSave_MissingFieldsListedTogether(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Save(context.Background(), &types.StorageProfile{ID: "P1", Kind: types.KindS3Compatible})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "missing required fields: Endpoint, Bucket Name, Access Key, Secret Key")

	_, err = f.store.GetProfile(context.Background(), "P1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, int32(0), f.builds.Load())
}

func TestSave_BucketNotFoundAbortsSave(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Save(context.Background(), s3Profile("P1", "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Contains(t, err.Error(), "bucket 'nope' not found")

	_, err = f.store.GetProfile(context.Background(), "P1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	v, _ := f.secrets.Get(context.Background(), types.SecretEntityProfile, "P1", types.SecretKeyField)
	assert.Empty(t, v, "secrets are not stored for a rejected profile")
}

func TestSave_UnreachableBackendAbortsSave(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b")
	f.down.Store(true)
	_, err := f.mgr.Save(context.Background(), s3Profile("P1", "b"))
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)
}

func TestSave_UnknownKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.mgr.Save(context.Background(), &types.StorageProfile{Kind: "ftp"})
	assert.ErrorIs(t, err, types.ErrConfigInvalid)
}

func TestSave_OAuthKindSkipsLiveCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.mgr.Save(context.Background(), &types.StorageProfile{Kind: types.KindGoogleDrive, Title: "Drive"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Profile.ID)
	assert.Equal(t, int32(0), f.builds.Load())
}

func TestSave_ChunkSizeFloor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b")

	p := s3Profile("P1", "b")
	p.StreamChunkSize = 100
	res, err := f.mgr.Save(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, types.MinStreamChunkSize, res.Profile.StreamChunkSize)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "8192")

	p = s3Profile("P2", "b")
	res, err = f.mgr.Save(context.Background(), p)
	require.NoError(t, err)
	assert.Zero(t, res.Profile.StreamChunkSize)
	assert.Empty(t, res.Warnings)
}

func TestSave_CriticalChangeWhileInUseWarns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b", "c")
	ctx := context.Background()

	_, err := f.mgr.Save(ctx, s3Profile("P1", "b"))
	require.NoError(t, err)
	require.NoError(t, f.store.PutRecord(ctx, &types.Record{ID: "R1", ProfileID: "P1", RemoteKey: "k"}))

	p, err := f.mgr.Get(ctx, "P1")
	require.NoError(t, err)
	p.CacheTTLSeconds = 60
	res, err := f.mgr.Save(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings, "operational settings are not critical")
	assert.Equal(t, int32(1), f.builds.Load(), "no live test without a connection change")

	p.Bucket = "c"
	res, err = f.mgr.Save(ctx, p)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "used by 1 records")
	assert.Equal(t, int32(2), f.builds.Load())

	p.Folders = []string{"Home"}
	res, err = f.mgr.Save(ctx, p)
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1, "folder mapping is critical")
}

func TestSave_SecretUpdateInvalidatesConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b")
	ctx := context.Background()

	res, err := f.mgr.Save(ctx, s3Profile("P1", "b"))
	require.NoError(t, err)

	c1, err := f.mgr.Connection(ctx, res.Profile)
	require.NoError(t, err)
	c2, err := f.mgr.Connection(ctx, res.Profile)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	p := res.Profile
	p.Secrets = map[string]string{types.SecretKeyField: "rotated"}
	_, err = f.mgr.Save(ctx, p)
	require.NoError(t, err)

	v, _ := f.secrets.Get(ctx, types.SecretEntityProfile, "P1", types.SecretKeyField)
	assert.Equal(t, "rotated", v)

	before := f.builds.Load()
	_, err = f.mgr.Connection(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, before+1, f.builds.Load(), "connection rebuilt after secret rotation")
}

// ============================================================================
// Delete / Lookup Tests
// ============================================================================

func TestDelete_RefusedWhileInUse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b")
	ctx := context.Background()

	_, err := f.mgr.Save(ctx, s3Profile("P1", "b"))
	require.NoError(t, err)
	require.NoError(t, f.store.PutRecord(ctx, &types.Record{ID: "R1", ProfileID: "P1", RemoteKey: "k"}))

	err = f.mgr.Delete(ctx, "P1")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "used by 1 records")

	require.NoError(t, f.store.DeleteRecord(ctx, "R1"))
	require.NoError(t, f.mgr.Delete(ctx, "P1"))

	_, err = f.mgr.Get(ctx, "P1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	v, _ := f.secrets.Get(ctx, types.SecretEntityProfile, "P1", types.SecretKeyField)
	assert.Empty(t, v)
}

func TestForFolder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	for _, p := range []*types.StorageProfile{
		{ID: "a", Kind: types.KindDropbox, Enabled: true, Folders: []string{"Docs"}},
		{ID: "b", Kind: types.KindDropbox, Enabled: true, Folders: []string{types.HomeFolder}},
		{ID: "c", Kind: types.KindDropbox, Enabled: false, Folders: []string{"Media"}},
	} {
		require.NoError(t, f.store.PutProfile(ctx, p))
	}

	for folder, want := range map[string]string{"Docs": "a", "Other": "b", "Media": "b", "": "b"} {
		p, err := f.mgr.ForFolder(ctx, folder)
		require.NoError(t, err)
		require.NotNil(t, p, folder)
		assert.Equal(t, want, p.ID, folder)
	}

	require.NoError(t, f.store.DeleteProfile(ctx, "b"))
	p, err := f.mgr.ForFolder(ctx, "Other")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestListRemoteObjects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "listing")
	ctx := context.Background()
	_, err := f.mgr.Save(ctx, s3Profile("P1", "listing"))
	require.NoError(t, err)

	remote := f.backend("listing")
	for _, k := range []string{"site/a.txt", "site/b.txt"} {
		_, err := remote.Put(ctx, k, strings.NewReader("x"), 1, "")
		require.NoError(t, err)
	}

	var keys []string
	for info, err := range f.mgr.ListRemoteObjects(ctx, "P1", true) {
		require.NoError(t, err)
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{"site/a.txt", "site/b.txt"}, keys)

	var errs []error
	for _, err := range f.mgr.ListRemoteObjects(ctx, "missing", true) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], types.ErrNotFound)
}

// ============================================================================
// TestConnection Tests
// ============================================================================

func TestTestConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b", "folder-1")
	ctx := context.Background()

	drive := func(folder string) *types.StorageProfile {
		return &types.StorageProfile{
			Kind:     types.KindGoogleDrive,
			ClientID: "cid",
			FolderID: folder,
			Secrets:  map[string]string{types.ClientSecretField: "cs", types.RefreshTokenField: "rt"},
		}
	}

	tests := []struct {
		name    string
		profile *types.StorageProfile
		success bool
		message string
	}{
		{"nil", nil, false, "No connection data provided"},
		{"unknown kind", &types.StorageProfile{Kind: "ftp"}, false, `Unknown storage type: "ftp"`},
		{"missing", &types.StorageProfile{Kind: types.KindS3Compatible, Bucket: "b"}, false,
			"Missing required fields: Endpoint, Access Key, Secret Key"},
		{"ok", s3Profile("", "b"), true, "Successfully connected to S3 compatible storage. Bucket 'b' exists."},
		{"bucket missing", s3Profile("", "zzz"), false, "Connection successful, but bucket 'zzz' not found."},
		{"drive ok", drive("folder-1"), true, "Successfully connected to Google Drive and verified folder access"},
		{"drive folder missing", drive("nope"), false, "Connected to Google Drive but folder not found or not accessible"},
		{"drive missing", &types.StorageProfile{Kind: types.KindGoogleDrive}, false,
			"Missing required fields: Client ID, Client Secret, Refresh Token, Folder ID"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := f.mgr.TestConnection(ctx, tc.profile)
			assert.Equal(t, tc.success, res.Success)
			assert.Equal(t, tc.message, res.Message)
		})
	}
}

func TestTestConnection_Failure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b")
	f.down.Store(true)
	res := f.mgr.TestConnection(context.Background(), s3Profile("", "b"))
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Message, "Connection failed: "), res.Message)
}

func TestTestConnection_UsesStoredSecrets(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "b")
	ctx := context.Background()
	_, err := f.mgr.Save(ctx, s3Profile("P1", "b"))
	require.NoError(t, err)

	p, err := f.mgr.Get(ctx, "P1")
	require.NoError(t, err)
	res := f.mgr.TestConnection(ctx, p)
	assert.True(t, res.Success, res.Message)
}
