// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDropbox keeps files keyed by lower-cased path, as Dropbox does
type fakeDropbox struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	sessions map[string][]byte
	calls    []string
}

func newFakeDropbox(t *testing.T) *fakeDropbox {
	fx := &fakeDropbox{
		t:        t,
		files:    map[string][]byte{},
		sessions: map[string][]byte{},
	}
	mux := http.NewServeMux()
	mux.Handle("POST /token", &tokenIssuer{})
	mux.HandleFunc("POST /files/get_metadata", fx.getMetadata)
	mux.HandleFunc("POST /files/download", fx.download)
	mux.HandleFunc("POST /files/upload", fx.upload)
	mux.HandleFunc("POST /files/upload_session/start", fx.sessionStart)
	mux.HandleFunc("POST /files/upload_session/append_v2", fx.sessionAppend)
	mux.HandleFunc("POST /files/upload_session/finish", fx.sessionFinish)
	mux.HandleFunc("POST /files/delete_v2", fx.remove)
	mux.HandleFunc("POST /files/list_folder", fx.listFolder)
	mux.HandleFunc("POST /files/list_folder/continue", fx.listContinue)
	mux.HandleFunc("POST /sharing/create_shared_link_with_settings", fx.createLink)
	mux.HandleFunc("POST /sharing/list_shared_links", fx.listLinks)
	fx.srv = httptest.NewServer(mux)
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fakeDropbox) conn(t *testing.T) *Dropbox {
	conn, err := NewDropbox(types.ConnectionConfig{
		Kind:         types.KindDropbox,
		ClientID:     "app",
		ClientSecret: "secret",
		RefreshToken: "refresh",
		Folder:       "Apps/site/",
		Options: map[string]string{
			"api_url":     fx.srv.URL,
			"content_url": fx.srv.URL,
			"token_url":   fx.srv.URL + "/token",
		},
	})
	require.NoError(t, err)
	return conn.(*Dropbox)
}

func (fx *fakeDropbox) put(p string, data []byte) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.files[strings.ToLower(p)] = data
}

func (fx *fakeDropbox) get(p string) ([]byte, bool) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	data, ok := fx.files[strings.ToLower(p)]
	return data, ok
}

func (fx *fakeDropbox) record(name string) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.calls = append(fx.calls, name)
}

func (fx *fakeDropbox) seenCalls() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]string(nil), fx.calls...)
}

func conflict(w http.ResponseWriter, summary string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(map[string]string{"error_summary": summary})
}

func decodeArg(r *http.Request, v any) error {
	if arg := r.Header.Get("Dropbox-API-Arg"); arg != "" {
		return json.Unmarshal([]byte(arg), v)
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func fileMeta(p string, size int) dropboxMeta {
	return dropboxMeta{
		Tag:            "file",
		ID:             "id:" + p,
		Name:           p[strings.LastIndex(p, "/")+1:],
		PathDisplay:    p,
		Size:           int64(size),
		ServerModified: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (fx *fakeDropbox) getMetadata(w http.ResponseWriter, r *http.Request) {
	var arg struct{ Path string }
	decodeArg(r, &arg)
	if arg.Path == "/Apps/site" {
		json.NewEncoder(w).Encode(dropboxMeta{Tag: "folder", Name: "site", PathDisplay: arg.Path})
		return
	}
	data, ok := fx.get(arg.Path)
	if !ok {
		conflict(w, "path/not_found/..")
		return
	}
	json.NewEncoder(w).Encode(fileMeta(arg.Path, len(data)))
}

func (fx *fakeDropbox) download(w http.ResponseWriter, r *http.Request) {
	var arg struct{ Path string }
	decodeArg(r, &arg)
	data, ok := fx.get(arg.Path)
	if !ok {
		conflict(w, "path/not_found/...")
		return
	}
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

func (fx *fakeDropbox) upload(w http.ResponseWriter, r *http.Request) {
	fx.record("upload")
	var arg struct {
		Path string
		Mode string
	}
	assert.NoError(fx.t, decodeArg(r, &arg))
	assert.Equal(fx.t, "overwrite", arg.Mode)
	data, _ := io.ReadAll(r.Body)
	fx.put(arg.Path, data)
	json.NewEncoder(w).Encode(fileMeta(arg.Path, len(data)))
}

func (fx *fakeDropbox) sessionStart(w http.ResponseWriter, r *http.Request) {
	fx.record("start")
	data, _ := io.ReadAll(r.Body)
	fx.mu.Lock()
	fx.sessions["s1"] = data
	fx.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"session_id": "s1"})
}

type sessionCursor struct {
	Cursor struct {
		SessionID string `json:"session_id"`
		Offset    int64  `json:"offset"`
	} `json:"cursor"`
	Commit struct {
		Path string `json:"path"`
	} `json:"commit"`
}

func (fx *fakeDropbox) sessionAppend(w http.ResponseWriter, r *http.Request) {
	fx.record("append")
	var arg sessionCursor
	assert.NoError(fx.t, decodeArg(r, &arg))
	data, _ := io.ReadAll(r.Body)

	fx.mu.Lock()
	defer fx.mu.Unlock()
	if int64(len(fx.sessions[arg.Cursor.SessionID])) != arg.Cursor.Offset {
		conflict(w, "incorrect_offset/..")
		return
	}
	fx.sessions[arg.Cursor.SessionID] = append(fx.sessions[arg.Cursor.SessionID], data...)
	w.Write([]byte("null"))
}

func (fx *fakeDropbox) sessionFinish(w http.ResponseWriter, r *http.Request) {
	fx.record("finish")
	var arg sessionCursor
	assert.NoError(fx.t, decodeArg(r, &arg))

	fx.mu.Lock()
	data := fx.sessions[arg.Cursor.SessionID]
	fx.mu.Unlock()
	assert.Equal(fx.t, int64(len(data)), arg.Cursor.Offset)

	fx.put(arg.Commit.Path, data)
	json.NewEncoder(w).Encode(fileMeta(arg.Commit.Path, len(data)))
}

func (fx *fakeDropbox) remove(w http.ResponseWriter, r *http.Request) {
	var arg struct{ Path string }
	decodeArg(r, &arg)
	if _, ok := fx.get(arg.Path); !ok {
		conflict(w, "path_lookup/not_found/")
		return
	}
	fx.mu.Lock()
	delete(fx.files, strings.ToLower(arg.Path))
	fx.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"metadata": fileMeta(arg.Path, 0)})
}

func (fx *fakeDropbox) entries() []dropboxMeta {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	var out []dropboxMeta
	for p, data := range fx.files {
		out = append(out, fileMeta(p, len(data)))
	}
	slices.SortFunc(out, func(a, b dropboxMeta) int { return strings.Compare(a.PathDisplay, b.PathDisplay) })
	return out
}

func (fx *fakeDropbox) listFolder(w http.ResponseWriter, r *http.Request) {
	var arg struct {
		Path      string
		Recursive bool
	}
	decodeArg(r, &arg)
	assert.Equal(fx.t, "/Apps/site", arg.Path)
	all := append(fx.entries(), dropboxMeta{Tag: "deleted", Name: "gone", PathDisplay: "/apps/site/gone"})
	json.NewEncoder(w).Encode(dropboxList{Entries: all[:1], Cursor: "c1", HasMore: len(all) > 1})
}

func (fx *fakeDropbox) listContinue(w http.ResponseWriter, r *http.Request) {
	var arg struct{ Cursor string }
	decodeArg(r, &arg)
	assert.Equal(fx.t, "c1", arg.Cursor)
	all := append(fx.entries(), dropboxMeta{Tag: "deleted", Name: "gone", PathDisplay: "/apps/site/gone"})
	json.NewEncoder(w).Encode(dropboxList{Entries: all[1:]})
}

func (fx *fakeDropbox) createLink(w http.ResponseWriter, r *http.Request) {
	var arg struct{ Path string }
	decodeArg(r, &arg)
	if strings.HasSuffix(arg.Path, "shared.txt") {
		conflict(w, "shared_link_already_exists/metadata/..")
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"url": "https://dbx.example/s/new?dl=0"})
}

func (fx *fakeDropbox) listLinks(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"links": []map[string]string{{"url": "https://dbx.example/s/existing?dl=0"}},
	})
}

// ============================================================================
// Dropbox Tests
// ============================================================================

func TestDropboxPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", dropboxPath(""))
	assert.Equal(t, "", dropboxPath("/"))
	assert.Equal(t, "/Apps/site", dropboxPath("Apps/site/"))
	assert.Equal(t, "/a/b", dropboxPath(`\a\b`))
}

func TestDropboxArg_EscapesNonASCII(t *testing.T) {
	t.Parallel()

	got := dropboxArg(map[string]string{"path": "/é😀"})
	assert.Equal(t, `{"path":"/\u00e9\ud83d\ude00"}`, got)

	var back map[string]string
	require.NoError(t, json.Unmarshal([]byte(got), &back))
	assert.Equal(t, "/é😀", back["path"])
}

func TestDirectDownloadURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://x/s/a?dl=1", directDownloadURL("https://x/s/a?dl=0"))
	assert.Equal(t, "https://x/s/a?raw=1", directDownloadURL("https://x/s/a?raw=1"))
}

func TestDropbox_SimplePutStatAndRange(t *testing.T) {
	t.Parallel()

	fx := newFakeDropbox(t)
	d := fx.conn(t)

	key, err := d.Put(t.Context(), "site/public/files/a.txt", strings.NewReader("hello dropbox"), 13, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "/Apps/site/site/public/files/a.txt", key)
	assert.Equal(t, []string{"upload"}, fx.seenCalls())

	info, err := d.Stat(t.Context(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(13), info.Size)
	assert.Equal(t, "a.txt", info.Name)

	rc, err := d.GetRange(t.Context(), key, 6, 7)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "dropbox", string(got))
}

func TestDropbox_SimplePutRejectsLengthMismatch(t *testing.T) {
	t.Parallel()

	fx := newFakeDropbox(t)
	d := fx.conn(t)

	_, err := d.Put(t.Context(), "short.txt", strings.NewReader("abc"), 10, "text/plain")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUploadFailed)
	assert.Contains(t, err.Error(), "body length 3 does not match size 10")

	_, err = d.Put(t.Context(), "long.txt", strings.NewReader("abcdef"), 3, "text/plain")
	assert.ErrorIs(t, err, types.ErrUploadFailed)

	assert.Empty(t, fx.seenCalls(), "nothing sent for a mismatched body")
}

func TestDropbox_NotFoundFrom409(t *testing.T) {
	t.Parallel()

	fx := newFakeDropbox(t)
	d := fx.conn(t)

	_, err := d.Stat(t.Context(), "/Apps/site/missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = d.GetRange(t.Context(), "/Apps/site/missing", 0, 0)
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.NoError(t, d.Remove(t.Context(), "/Apps/site/missing"))
}

func TestDropbox_UnknownSizeUsesSession(t *testing.T) {
	t.Parallel()

	fx := newFakeDropbox(t)
	d := fx.conn(t)

	key, err := d.Put(t.Context(), "b.txt", strings.NewReader("streamed"), -1, "")
	require.NoError(t, err)
	assert.Equal(t, "/Apps/site/b.txt", key)
	assert.Equal(t, []string{"start", "finish"}, fx.seenCalls())

	data, ok := fx.get(key)
	require.True(t, ok)
	assert.Equal(t, "streamed", string(data))
}

func TestDropbox_LargePutAppendsChunks(t *testing.T) {
	t.Parallel()

	fx := newFakeDropbox(t)
	d := fx.conn(t)

	data := bytes.Repeat([]byte("q"), dropboxSimpleLimit+1)
	key, err := d.Put(t.Context(), "big.bin", bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)

	// 8MiB+1 in 4MiB chunks: start, append, append(1 byte), finish
	assert.Equal(t, []string{"start", "append", "append", "finish"}, fx.seenCalls())
	stored, _ := fx.get(key)
	assert.Len(t, stored, len(data))
}

func TestDropbox_ListSkipsDeletedAndContinues(t *testing.T) {
	t.Parallel()

	fx := newFakeDropbox(t)
	fx.put("/apps/site/a.txt", []byte("a"))
	fx.put("/apps/site/b.txt", []byte("bb"))
	d := fx.conn(t)

	var keys []string
	for info, err := range d.List(t.Context(), "", true) {
		require.NoError(t, err)
		keys = append(keys, info.Key)
	}
	assert.Equal(t, []string{"/apps/site/a.txt", "/apps/site/b.txt"}, keys)
}

func TestDropbox_PresignReusesExistingLink(t *testing.T) {
	t.Parallel()

	fx := newFakeDropbox(t)
	d := fx.conn(t)

	u, err := d.Presign(t.Context(), "/Apps/site/a.txt", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://dbx.example/s/new?dl=1", u)

	u, err = d.Presign(t.Context(), "/Apps/site/shared.txt", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://dbx.example/s/existing?dl=1", u)
}

func TestDropbox_ValidateContainer(t *testing.T) {
	t.Parallel()

	fx := newFakeDropbox(t)
	d := fx.conn(t)

	ok, err := d.ValidateContainer(t.Context(), "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.ValidateContainer(t.Context(), "/")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = d.ValidateContainer(t.Context(), "/nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
