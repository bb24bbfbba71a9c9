// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/cache"
	"github.com/LeeDigitalWorks/zapoffload/pkg/lifecycle"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata/memory"
	"github.com/LeeDigitalWorks/zapoffload/pkg/profile"
	"github.com/LeeDigitalWorks/zapoffload/pkg/secrets"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/local"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *memory.Store
	profiles *profile.Manager
	local    *local.Store
	cache    *cache.Memory
	svc      *metadata.Service
	srv      *httptest.Server

	mu      sync.Mutex
	remotes map[string]*backend.MemoryStorage
}

type allowAll struct{}

func (allowAll) CanDownload(context.Context, *types.Record) bool { return true }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		cache:   cache.NewMemory(time.Minute),
		remotes: map[string]*backend.MemoryStorage{},
	}
	t.Cleanup(f.cache.Stop)

	var err error
	f.local, err = local.New(t.TempDir(), "site1", t.TempDir())
	require.NoError(t, err)

	conns := backend.NewManagerWithFactory(func(cfg types.ConnectionConfig) (types.Connection, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		r, ok := f.remotes[cfg.Container()]
		if !ok {
			return nil, types.NewError(types.KindBackendUnavailable, "test", "no such backend", nil)
		}
		return r, nil
	})
	f.profiles = profile.New(f.store, secrets.NewMemory(), profile.WithConnections(conns))
	t.Cleanup(func() { f.profiles.Close() })

	ctl := lifecycle.New(f.store, f.profiles, f.local, "site1", lifecycle.WithCache(f.cache))
	f.svc = metadata.NewService(f.store, ctl)

	resolver := NewResolver(f.store, f.profiles, f.local, append([]Option{WithCache(f.cache)}, opts...)...)
	f.srv = httptest.NewServer(NewHandler(resolver, lifecycle.DefaultURLSegment).Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) addProfile(t *testing.T, p *types.StorageProfile) *backend.MemoryStorage {
	t.Helper()
	if p.Kind == "" {
		p.Kind = types.KindS3Compatible
	}
	p.Enabled = true
	require.NoError(t, f.store.PutProfile(context.Background(), p))
	r := backend.NewMemoryStorageKind(p.Kind, p.Container())
	f.mu.Lock()
	f.remotes[p.Container()] = r
	f.mu.Unlock()
	return r
}

// putRemote stores data at key and a record pointing at it, bypassing the lifecycle
func (f *fixture) putRemote(t *testing.T, r *backend.MemoryStorage, rec *types.Record, data []byte) {
	t.Helper()
	rec.RemoteKey = "site1/" + rec.ID + "-" + rec.FileName
	_, err := r.Put(context.Background(), rec.RemoteKey, bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)
	rec.FileURL = types.DeliveryLocator("file", rec.ID, rec.FileName)
	require.NoError(t, f.store.PutRecord(context.Background(), rec))
}

func (f *fixture) get(t *testing.T, path string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

// ============================================================================
// End to end
// ============================================================================

func TestDelivery_UploadedRecordIsServedAndCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{
		ID: "P1", Title: "P1", Bucket: "b",
		CacheSmallerThan: 5_000_000, CacheTTLSeconds: 86_400,
	})
	data := payload(1000)
	w, err := f.local.Write(t.Context(), "/files/logo.png", bytes.NewReader(data))
	require.NoError(t, err)

	rec, err := f.svc.Save(t.Context(), &types.Record{ID: "R1", FileName: "logo.png", FileURL: w.Locator, Size: 1000, ProfileID: "P1"})
	require.NoError(t, err)
	assert.Equal(t, "P1", rec.ProfileID)
	assert.Equal(t, "site1/logo-R1.png", rec.RemoteKey)
	assert.Equal(t, "/file/R1/logo.png", rec.FileURL)

	resp := f.get(t, "/file/R1/logo.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, data, readBody(t, resp))

	cached, ok, err := f.cache.Get(t.Context(), cache.Key("R1"))
	require.NoError(t, err)
	require.True(t, ok, "response should be cached")
	assert.Equal(t, data, cached.Body)
	assert.Equal(t, "logo.png", cached.FileName)

	// Served from the cache without touching the backend
	calls := remote.Calls()
	remote.SetUnavailable(true)
	resp = f.get(t, "/file/R1/logo.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, readBody(t, resp))
	assert.Equal(t, calls, remote.Calls())
}

func TestDelivery_DemotedRecordIsServedLocally(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{ID: "P1", Title: "P1", Bucket: "b"})
	data := payload(1000)
	w, err := f.local.Write(t.Context(), "/files/logo.png", bytes.NewReader(data))
	require.NoError(t, err)
	rec, err := f.svc.Save(t.Context(), &types.Record{ID: "R1", FileName: "logo.png", FileURL: w.Locator, Size: 1000, ProfileID: "P1"})
	require.NoError(t, err)

	resp := f.get(t, "/file/R1/logo.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readBody(t, resp)

	rec.ProfileID = ""
	rec, err = f.svc.Save(t.Context(), rec)
	require.NoError(t, err)
	assert.Equal(t, types.StateLocal, rec.State())
	assert.Zero(t, remote.Len())

	_, ok, err := f.cache.Get(t.Context(), cache.Key("R1"))
	require.NoError(t, err)
	assert.False(t, ok, "demotion must invalidate the cached response")

	resp = f.get(t, "/file/R1/logo.png")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, data, readBody(t, resp))
}

// ============================================================================
// Not found
// ============================================================================

func TestDelivery_FailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{ID: "P1", Title: "P1", Bucket: "b"})
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "logo.png", Size: 4, ProfileID: "P1"}, []byte("data"))
	f.putRemote(t, remote, &types.Record{ID: "R2", FileName: "secret.png", Size: 4, ProfileID: "P1", IsPrivate: true}, []byte("data"))
	f.putRemote(t, remote, &types.Record{ID: "R3", FileName: "gone.png", Size: 4, ProfileID: "P1"}, []byte("data"))
	require.NoError(t, remote.Remove(t.Context(), "site1/R3-gone.png"))
	require.NoError(t, f.store.PutRecord(t.Context(), &types.Record{ID: "D1", FileName: "Docs", IsFolder: true}))

	paths := []string{
		"/file/R1/other.png",
		"/file/NOPE/logo.png",
		"/file/R2/secret.png",
		"/file/R3/gone.png",
		"/file/D1/Docs",
		"/file/R1",
		"/files/R1/logo.png",
	}
	var first []byte
	for _, p := range paths {
		resp := f.get(t, p)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, p)
		assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"), p)
		assert.Empty(t, resp.Header.Get("Content-Disposition"), p)
		body := readBody(t, resp)
		if first == nil {
			first = body
			continue
		}
		assert.Equal(t, first, body, p)
	}
	assert.NotContains(t, string(first), "R1")
}

func TestDelivery_BackendDownIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{ID: "P1", Title: "P1", Bucket: "b"})
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "logo.png", Size: 4, ProfileID: "P1"}, []byte("data"))
	remote.SetUnavailable(true)

	resp := f.get(t, "/file/R1/logo.png")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotContains(t, string(readBody(t, resp)), "unavailable")
}

func TestDelivery_CacheHitChecksName(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.cache.Set(t.Context(), cache.Key("R9"), &cache.Response{
		Status: http.StatusOK, ContentType: "text/plain", FileName: "a.txt", Body: []byte("cached"),
	}, time.Hour))

	resp := f.get(t, "/file/R9/a.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cached", string(readBody(t, resp)))

	resp = f.get(t, "/file/R9/b.txt")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// Paths
// ============================================================================

func TestDelivery_Presign(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{
		ID: "P1", Title: "P1", Bucket: "b",
		PresignedURLs: true, PresignMIMEPrefixes: []string{"image/"},
	})
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "logo.png", Size: 4, ProfileID: "P1"}, []byte("data"))
	f.putRemote(t, remote, &types.Record{ID: "R2", FileName: "doc.pdf", Size: 3, ProfileID: "P1"}, []byte("pdf"))

	resp := f.get(t, "/file/R1/logo.png")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	loc := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(loc, "https://memory.invalid/b/site1/R1-logo.png"), loc)
	assert.Contains(t, loc, "expires=10800")

	_, ok, err := f.cache.Get(t.Context(), cache.Key("R1"))
	require.NoError(t, err)
	assert.False(t, ok, "redirects are never cached")

	// Outside the allowlist the bytes are served
	resp = f.get(t, "/file/R2/doc.pdf")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Equal(t, "pdf", string(readBody(t, resp)))
}

func TestDelivery_LargeObjectIsStreamed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{
		ID: "P1", Title: "P1", Bucket: "b",
		CacheSmallerThan: 10_000, StreamChunkSize: 8192,
	})
	data := payload(50_000)
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "video.bin", Size: int64(len(data)), ProfileID: "P1"}, data)

	resp := f.get(t, "/file/R1/video.bin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strconv.Itoa(len(data)), resp.Header.Get("Content-Length"))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, data, readBody(t, resp))

	_, ok, err := f.cache.Get(t.Context(), cache.Key("R1"))
	require.NoError(t, err)
	assert.False(t, ok, "streamed responses are never cached")

	resp = f.get(t, "/file/R1/video.bin", "Range", "bytes=20000-20099")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, data[20000:20100], readBody(t, resp))
}

func TestDelivery_SmallerThanChunkIsFetchedWhole(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{
		ID: "P1", Title: "P1", Bucket: "b",
		CacheSmallerThan: -1, StreamChunkSize: 8192,
	})
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "a.txt", Size: 100, ProfileID: "P1"}, payload(100))

	resp := f.get(t, "/file/R1/a.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, readBody(t, resp), 100)

	_, ok, err := f.cache.Get(t.Context(), cache.Key("R1"))
	require.NoError(t, err)
	assert.False(t, ok, "caching is disabled on the profile")
}

func TestDelivery_PrivateRecordIsNotCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t, WithPermissions(allowAll{}))
	remote := f.addProfile(t, &types.StorageProfile{ID: "P1", Title: "P1", Bucket: "b"})
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "a.txt", Size: 4, ProfileID: "P1", IsPrivate: true}, []byte("priv"))

	resp := f.get(t, "/file/R1/a.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "priv", string(readBody(t, resp)))

	_, ok, err := f.cache.Get(t.Context(), cache.Key("R1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelivery_RemoteSize(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{ID: "P1", Title: "P1", Bucket: "b", RemoteSizeEnabled: true})
	// The stored size is stale; the backend's size wins
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "a.txt", Size: 2, ProfileID: "P1"}, []byte("hello"))

	resp := f.get(t, "/file/R1/a.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(readBody(t, resp)))
}

func TestDelivery_HeadRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{ID: "P1", Title: "P1", Bucket: "b"})
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "a b.txt", Size: 5, ProfileID: "P1"}, []byte("hello"))

	resp, err := http.Head(f.srv.URL + "/file/R1/a%20b.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Content-Length"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "inline")
}

// ============================================================================
// Resolver
// ============================================================================

func TestResolve_Paths(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	remote := f.addProfile(t, &types.StorageProfile{ID: "P1", Title: "P1", Bucket: "b", CacheSmallerThan: 100})
	f.putRemote(t, remote, &types.Record{ID: "R1", FileName: "small.txt", Size: 10, ProfileID: "P1"}, payload(10))
	f.putRemote(t, remote, &types.Record{ID: "R2", FileName: "big.txt", Size: 9000, ProfileID: "P1"}, payload(9000))
	w, err := f.local.Write(t.Context(), "/files/local.txt", strings.NewReader("local"))
	require.NoError(t, err)
	require.NoError(t, f.store.PutRecord(t.Context(), &types.Record{ID: "R3", FileName: "local.txt", FileURL: w.Locator, Size: 5}))

	r := NewResolver(f.store, f.profiles, f.local, WithCache(f.cache))
	tests := []struct {
		id, name string
		want     string
	}{
		{"R1", "small.txt", PathFull},
		{"R1", "small.txt", PathCacheHit},
		{"R2", "big.txt", PathStream},
		{"R3", "local.txt", PathLocal},
	}
	for _, tc := range tests {
		resp, err := r.Resolve(t.Context(), tc.id, tc.name)
		require.NoError(t, err, tc.id)
		assert.Equal(t, tc.want, resp.Path, tc.id)
		require.NoError(t, resp.Close())
	}

	_, err = r.Resolve(t.Context(), "", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
