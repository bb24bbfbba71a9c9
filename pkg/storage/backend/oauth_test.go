// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// tokenIssuer is a fake OAuth token endpoint handing out tok-1, tok-2, ...
type tokenIssuer struct {
	issued atomic.Int32
	delay  time.Duration
}

func (ti *tokenIssuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "refresh_token" {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}
	if ti.delay > 0 {
		time.Sleep(ti.delay)
	}
	n := ti.issued.Add(1)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": fmt.Sprintf("tok-%d", n),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

// bearer returns the token presented on r, or ""
func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func testOAuthConfig(tokenURL string) *oauth2.Config {
	return oauthConfig(types.ConnectionConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		Options:      map[string]string{"token_url": tokenURL},
	}, oauth2.Endpoint{AuthStyle: oauth2.AuthStyleInParams})
}

// newOAuthFake starts a server whose /token path issues tokens and whose
// other paths are served by api.
func newOAuthFake(t *testing.T, issuer *tokenIssuer, api http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("POST /token", issuer)
	mux.HandleFunc("/", api)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// ============================================================================
// Refresh Transport Tests
// ============================================================================

func TestRefreshTransport_FirstRequestFetchesToken(t *testing.T) {
	t.Parallel()

	issuer := &tokenIssuer{}
	srv := newOAuthFake(t, issuer, func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) != "tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "ok")
	})

	client := newOAuthClient(types.KindGoogleDrive, testOAuthConfig(srv.URL+"/token"), "refresh", srv.URL)
	for range 3 {
		resp, err := client.Get(srv.URL + "/data")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", string(body))
	}
	assert.Equal(t, int32(1), issuer.issued.Load())
}

func TestRefreshTransport_401RefreshesAndReplaysOnce(t *testing.T) {
	t.Parallel()

	issuer := &tokenIssuer{}
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := newOAuthFake(t, issuer, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		// the first token is revoked server-side
		if bearer(r) != "tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	rest := restClient{
		kind: types.KindOneDrive,
		http: newOAuthClient(types.KindOneDrive, testOAuthConfig(srv.URL+"/token"), "refresh", srv.URL),
	}
	resp, err := rest.do(t.Context(), request{method: http.MethodPut, url: srv.URL + "/item", body: []byte("payload")})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(2), issuer.issued.Load())
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestRefreshTransport_Second401IsFatal(t *testing.T) {
	t.Parallel()

	issuer := &tokenIssuer{}
	var hits atomic.Int32
	srv := newOAuthFake(t, issuer, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	rest := restClient{
		kind: types.KindDropbox,
		http: newOAuthClient(types.KindDropbox, testOAuthConfig(srv.URL+"/token"), "refresh", srv.URL),
	}
	err := rest.doJSON(t.Context(), "test.Get", "k", request{method: http.MethodGet, url: srv.URL + "/x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "authentication failed after token refresh")
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(2), issuer.issued.Load())
}

func TestRefreshTransport_ConcurrentRequestsShareRefresh(t *testing.T) {
	t.Parallel()

	issuer := &tokenIssuer{delay: 50 * time.Millisecond}
	srv := newOAuthFake(t, issuer, func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	client := newOAuthClient(types.KindGoogleDrive, testOAuthConfig(srv.URL+"/token"), "refresh", srv.URL)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(srv.URL + "/x")
			if assert.NoError(t, err) {
				resp.Body.Close()
				assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), issuer.issued.Load())
}

func TestRefreshTransport_RefreshFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	rest := restClient{
		kind: types.KindGoogleDrive,
		http: newOAuthClient(types.KindGoogleDrive, testOAuthConfig(srv.URL+"/token"), "revoked", srv.URL),
	}
	err := rest.doJSON(t.Context(), "test.Get", "k", request{method: http.MethodGet, url: srv.URL + "/x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "refresh access token")
}

func TestRefreshTransport_PreAuthenticatedHostsGetNoToken(t *testing.T) {
	t.Parallel()

	var leaked atomic.Value
	leaked.Store("")
	download := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaked.Store(r.Header.Get("Authorization"))
		io.WriteString(w, "content")
	}))
	defer download.Close()

	issuer := &tokenIssuer{}
	api := newOAuthFake(t, issuer, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-1", bearer(r))
		http.Redirect(w, r, download.URL+"/signed", http.StatusFound)
	})

	client := newOAuthClient(types.KindOneDrive, testOAuthConfig(api.URL+"/token"), "refresh", api.URL)
	resp, err := client.Get(api.URL + "/content")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "content", string(body))
	assert.Empty(t, leaked.Load())
}

// ============================================================================
// Range Helper Tests
// ============================================================================

func TestRestClient_GetRangeEmulatesIgnoredRange(t *testing.T) {
	t.Parallel()

	// this server never honors Range
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "0123456789")
	}))
	defer srv.Close()

	rest := restClient{kind: types.KindGoogleDrive, http: srv.Client()}
	tests := []struct {
		offset, length int64
		want           string
	}{
		{0, 0, "0123456789"},
		{2, 3, "234"},
		{5, 0, "56789"},
		{20, 5, ""},
	}
	for _, tc := range tests {
		rc, err := rest.getRange(t.Context(), "test.GetRange", "k", request{method: http.MethodGet, url: srv.URL}, tc.offset, tc.length)
		require.NoError(t, err)
		got, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, tc.want, string(got), "offset=%d length=%d", tc.offset, tc.length)
	}
}

func TestRestClient_GetRangeHonoredAndUnsatisfiable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f", time.Time{}, strings.NewReader("0123456789"))
	}))
	defer srv.Close()

	rest := restClient{kind: types.KindGoogleDrive, http: srv.Client()}

	rc, err := rest.getRange(t.Context(), "test.GetRange", "k", request{method: http.MethodGet, url: srv.URL}, 7, 10)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "789", string(got))

	rc, err = rest.getRange(t.Context(), "test.GetRange", "k", request{method: http.MethodGet, url: srv.URL}, 10, 4)
	require.NoError(t, err)
	got, _ = io.ReadAll(rc)
	rc.Close()
	assert.Empty(t, got)
}

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want types.ErrorKind
	}{
		{http.StatusNotFound, types.KindNotFound},
		{http.StatusUnauthorized, types.KindPermissionDenied},
		{http.StatusForbidden, types.KindPermissionDenied},
		{http.StatusTooManyRequests, types.KindTransient},
		{http.StatusRequestTimeout, types.KindTransient},
		{http.StatusServiceUnavailable, types.KindTransient},
		{http.StatusBadRequest, types.KindBackendUnavailable},
		{http.StatusConflict, types.KindBackendUnavailable},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, KindForStatus(tc.code), "status %d", tc.code)
	}
}

func TestReadChunk(t *testing.T) {
	t.Parallel()

	r := strings.NewReader("abcdefg")
	buf := make([]byte, 4)

	n, last, err := readChunk(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, last)

	n, last, err = readChunk(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, last)

	n, last, err = readChunk(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, last)
}
