// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"golang.org/x/oauth2/endpoints"
)

const (
	dropboxAPI     = "https://api.dropboxapi.com/2"
	dropboxContent = "https://content.dropboxapi.com/2"

	// Dropbox accepts single uploads up to 150MB. Request bodies are held in
	// memory for token-refresh replay, so larger or unknown sizes go through
	// an upload session well below that limit.
	dropboxSimpleLimit = 8 << 20
	dropboxChunkSize   = 4 << 20
)

func init() {
	Register(types.KindDropbox, NewDropbox)
}

// Dropbox implements Connection over the Dropbox v2 HTTP API.
// Keys are absolute Dropbox paths.
type Dropbox struct {
	rest    restClient
	api     string
	content string
	folder  string
}

// NewDropbox creates a Dropbox connection rooted at cfg.Folder
func NewDropbox(cfg types.ConnectionConfig) (types.Connection, error) {
	if err := types.MissingFields("dropbox.New", oauthMissing(cfg, "App Key", "App Secret", "Folder Path")); err != nil {
		return nil, err
	}

	d := &Dropbox{
		api:     dropboxAPI,
		content: dropboxContent,
		folder:  dropboxPath(cfg.Folder),
	}
	if u := cfg.Options["api_url"]; u != "" {
		d.api = strings.TrimSuffix(u, "/")
	}
	if u := cfg.Options["content_url"]; u != "" {
		d.content = strings.TrimSuffix(u, "/")
	}
	d.rest = restClient{
		kind: types.KindDropbox,
		http: newOAuthClient(types.KindDropbox, oauthConfig(cfg, endpoints.Dropbox), cfg.RefreshToken, d.api, d.content),
	}
	return d, nil
}

// dropboxPath normalizes p to Dropbox's form: leading slash, root is ""
func dropboxPath(p string) string {
	p = strings.Trim(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// dropboxArg encodes v for the Dropbox-API-Arg header, which must be ASCII
func dropboxArg(v any) string {
	raw, _ := json.Marshal(v)
	var b strings.Builder
	for _, r := range string(raw) {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&b, `\u%04x`, r)
	}
	return b.String()
}

// dropboxErr maps Dropbox's 409 endpoint errors: */not_found/* is NotFound
func dropboxErr(err error) error {
	var te *types.Error
	if err == nil || !errors.As(err, &te) {
		return err
	}
	if te.Kind == types.KindBackendUnavailable && strings.HasPrefix(te.Msg, "status 409") && strings.Contains(te.Msg, "not_found") {
		te.Kind = types.KindNotFound
	}
	return err
}

type dropboxMeta struct {
	Tag            string    `json:".tag"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ContentHash    string    `json:"content_hash"`
	ServerModified time.Time `json:"server_modified"`
}

func (m dropboxMeta) info() types.ObjectInfo {
	return types.ObjectInfo{
		Key:      m.PathDisplay,
		Name:     m.Name,
		Size:     m.Size,
		ETag:     m.ContentHash,
		Modified: m.ServerModified,
		IsDir:    m.Tag == "folder",
	}
}

func (d *Dropbox) Kind() types.BackendKind {
	return types.KindDropbox
}

func (d *Dropbox) rpc(ctx context.Context, op, key, endpoint string, arg, out any) error {
	body, _ := json.Marshal(arg)
	return dropboxErr(d.rest.doJSON(ctx, op, key, request{
		method: http.MethodPost,
		url:    d.api + endpoint,
		body:   body,
		ctype:  "application/json",
	}, out))
}

func (d *Dropbox) upload(ctx context.Context, key, endpoint string, arg any, chunk []byte, out any) error {
	return dropboxErr(d.rest.doJSON(ctx, "dropbox.Put", key, request{
		method:  http.MethodPost,
		url:     d.content + endpoint,
		body:    chunk,
		ctype:   "application/octet-stream",
		headers: map[string]string{"Dropbox-API-Arg": dropboxArg(arg)},
	}, out))
}

func (d *Dropbox) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	var m dropboxMeta
	if err := d.rpc(ctx, "dropbox.Stat", key, "/files/get_metadata", map[string]string{"path": key}, &m); err != nil {
		return types.ObjectInfo{}, err
	}
	return m.info(), nil
}

func (d *Dropbox) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	rc, err := d.rest.getRange(ctx, "dropbox.GetRange", key, request{
		method:  http.MethodPost,
		url:     d.content + "/files/download",
		headers: map[string]string{"Dropbox-API-Arg": dropboxArg(map[string]string{"path": key})},
	}, offset, length)
	return rc, dropboxErr(err)
}

// Put writes to <folder>/<key> in overwrite mode and returns the stored path
func (d *Dropbox) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	target := d.folder + dropboxPath(key)
	commit := map[string]any{"path": target, "mode": "overwrite", "mute": true}

	if size >= 0 && size <= dropboxSimpleLimit {
		body, err := io.ReadAll(io.LimitReader(data, size+1))
		if err != nil {
			return "", types.NewError(types.KindTransient, "dropbox.Put", "read data", err)
		}
		if int64(len(body)) != size {
			return "", &types.Error{Kind: types.KindUploadFailed, Op: "dropbox.Put", Key: key,
				Msg: fmt.Sprintf("body length %d does not match size %d", len(body), size)}
		}
		var m dropboxMeta
		if err := d.upload(ctx, target, "/files/upload", commit, body, &m); err != nil {
			return "", err
		}
		return m.PathDisplay, nil
	}

	buf := make([]byte, dropboxChunkSize)
	n, last, err := readChunk(data, buf)
	if err != nil {
		return "", types.NewError(types.KindTransient, "dropbox.Put", "read data", err)
	}
	var started struct {
		SessionID string `json:"session_id"`
	}
	if err := d.upload(ctx, target, "/files/upload_session/start", map[string]bool{"close": false}, buf[:n], &started); err != nil {
		return "", err
	}
	offset := int64(n)

	for !last {
		n, last, err = readChunk(data, buf)
		if err != nil {
			return "", types.NewError(types.KindTransient, "dropbox.Put", "read data", err)
		}
		if n == 0 {
			break
		}
		arg := map[string]any{
			"cursor": map[string]any{"session_id": started.SessionID, "offset": offset},
			"close":  false,
		}
		if err := d.upload(ctx, target, "/files/upload_session/append_v2", arg, buf[:n], nil); err != nil {
			return "", err
		}
		offset += int64(n)
	}

	var m dropboxMeta
	finish := map[string]any{
		"cursor": map[string]any{"session_id": started.SessionID, "offset": offset},
		"commit": commit,
	}
	if err := d.upload(ctx, target, "/files/upload_session/finish", finish, []byte{}, &m); err != nil {
		return "", err
	}
	return m.PathDisplay, nil
}

func (d *Dropbox) Remove(ctx context.Context, key string) error {
	err := d.rpc(ctx, "dropbox.Remove", key, "/files/delete_v2", map[string]string{"path": key}, nil)
	if types.KindOf(err) == types.KindNotFound {
		return nil
	}
	return err
}

type dropboxList struct {
	Entries []dropboxMeta `json:"entries"`
	Cursor  string        `json:"cursor"`
	HasMore bool          `json:"has_more"`
}

// List uses Dropbox's native recursive listing and cursor pagination
func (d *Dropbox) List(ctx context.Context, container string, recursive bool) iter.Seq2[types.ObjectInfo, error] {
	folder := d.folder
	if container != "" {
		folder = dropboxPath(container)
	}
	return func(yield func(types.ObjectInfo, error) bool) {
		var page dropboxList
		err := d.rpc(ctx, "dropbox.List", folder, "/files/list_folder", map[string]any{
			"path":      folder,
			"recursive": recursive,
			"limit":     2000,
		}, &page)
		for {
			if err != nil {
				yield(types.ObjectInfo{}, err)
				return
			}
			for _, e := range page.Entries {
				if e.Tag == "deleted" {
					continue
				}
				if !yield(e.info(), nil) {
					return
				}
			}
			if !page.HasMore {
				return
			}
			cursor := page.Cursor
			page = dropboxList{}
			err = d.rpc(ctx, "dropbox.List", folder, "/files/list_folder/continue", map[string]string{"cursor": cursor}, &page)
		}
	}
}

// Presign returns a public shared link rewritten for direct download,
// reusing an existing link for the path when Dropbox reports one.
func (d *Dropbox) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var link struct {
		URL string `json:"url"`
	}
	err := d.rpc(ctx, "dropbox.Presign", key, "/sharing/create_shared_link_with_settings", map[string]any{
		"path": key,
		"settings": map[string]string{
			"requested_visibility": "public",
			"expires":              time.Now().Add(ttl).UTC().Format("2006-01-02T15:04:05Z"),
		},
	}, &link)
	if err != nil {
		var te *types.Error
		if !errors.As(err, &te) || !strings.Contains(te.Msg, "shared_link_already_exists") {
			return "", err
		}
		var existing struct {
			Links []struct {
				URL string `json:"url"`
			} `json:"links"`
		}
		if err := d.rpc(ctx, "dropbox.Presign", key, "/sharing/list_shared_links",
			map[string]any{"path": key, "direct_only": true}, &existing); err != nil {
			return "", err
		}
		if len(existing.Links) == 0 {
			return "", &types.Error{Kind: types.KindNotFound, Op: "dropbox.Presign", Key: key, Msg: "no shared link"}
		}
		link.URL = existing.Links[0].URL
	}
	return directDownloadURL(link.URL), nil
}

func directDownloadURL(u string) string {
	if strings.HasSuffix(u, "dl=0") {
		return strings.TrimSuffix(u, "dl=0") + "dl=1"
	}
	return u
}

func (d *Dropbox) ValidateContainer(ctx context.Context, container string) (bool, error) {
	folder := d.folder
	if container != "" {
		folder = dropboxPath(container)
	}
	if folder == "" {
		// the app root always exists
		return true, nil
	}
	var m dropboxMeta
	if err := d.rpc(ctx, "dropbox.ValidateContainer", folder, "/files/get_metadata", map[string]string{"path": folder}, &m); err != nil {
		return false, err
	}
	if m.Tag != "folder" {
		return false, &types.Error{Kind: types.KindNotFound, Op: "dropbox.ValidateContainer", Key: folder, Msg: "not a folder"}
	}
	return true, nil
}

func (d *Dropbox) Close() error {
	d.rest.http.CloseIdleConnections()
	return nil
}
