// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"golang.org/x/oauth2/endpoints"
)

const (
	graphAPI = "https://graph.microsoft.com/v1.0"

	// oneDriveSimpleLimit is the largest body Graph accepts in a single PUT
	oneDriveSimpleLimit = 4 << 20
	// oneDriveChunkSize must be a multiple of 320 KiB
	oneDriveChunkSize = 10 * 320 << 10

	defaultTenant = "common"
)

func init() {
	Register(types.KindOneDrive, NewOneDrive)
}

// OneDrive implements Connection over Microsoft Graph.
// Keys are drive item ids; Put returns the id of the created item.
type OneDrive struct {
	rest   restClient
	api    string
	folder string
}

// NewOneDrive creates a OneDrive connection bound to cfg.Folder
func NewOneDrive(cfg types.ConnectionConfig) (types.Connection, error) {
	if err := types.MissingFields("onedrive.New", oauthMissing(cfg, "Client ID", "Client Secret", "Folder ID")); err != nil {
		return nil, err
	}

	tenant := cfg.Tenant
	if tenant == "" {
		tenant = defaultTenant
	}

	o := &OneDrive{
		api:    graphAPI,
		folder: cfg.Folder,
	}
	if u := cfg.Options["api_url"]; u != "" {
		o.api = strings.TrimSuffix(u, "/")
	}
	o.rest = restClient{
		kind: types.KindOneDrive,
		http: newOAuthClient(types.KindOneDrive, oauthConfig(cfg, endpoints.AzureAD(tenant)), cfg.RefreshToken, o.api),
	}
	return o, nil
}

type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	ETag                 string    `json:"eTag"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	Folder               *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder,omitempty"`
}

func (d driveItem) info() types.ObjectInfo {
	return types.ObjectInfo{
		Key:      d.ID,
		Name:     d.Name,
		Size:     d.Size,
		ETag:     strings.Trim(d.ETag, `"`),
		Modified: d.LastModifiedDateTime,
		IsDir:    d.Folder != nil,
	}
}

func (o *OneDrive) Kind() types.BackendKind {
	return types.KindOneDrive
}

func (o *OneDrive) itemURL(id string) string {
	return o.api + "/me/drive/items/" + url.PathEscape(id)
}

// childURL addresses name under the bound folder using Graph path syntax
func (o *OneDrive) childURL(name, action string) string {
	return fmt.Sprintf("%s:/%s:/%s", o.itemURL(o.folder), url.PathEscape(name), action)
}

func (o *OneDrive) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	var item driveItem
	if err := o.rest.doJSON(ctx, "onedrive.Stat", key, request{method: http.MethodGet, url: o.itemURL(key)}, &item); err != nil {
		return types.ObjectInfo{}, err
	}
	return item.info(), nil
}

// GetRange follows Graph's redirect to the pre-authenticated download URL,
// which honors Range.
func (o *OneDrive) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return o.rest.getRange(ctx, "onedrive.GetRange", key, request{
		method: http.MethodGet,
		url:    o.itemURL(key) + "/content",
	}, offset, length)
}

// Put uses a single PUT below oneDriveSimpleLimit and an upload session
// otherwise. Sessions need the total size up front, so unknown sizes are
// spooled to a temp file first.
func (o *OneDrive) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	name := path.Base(key)

	if size < 0 {
		spool, n, err := spoolToTemp(data)
		if err != nil {
			return "", types.NewError(types.KindTransient, "onedrive.Put", "spool upload", err)
		}
		defer func() {
			spool.Close()
			os.Remove(spool.Name())
		}()
		data, size = spool, n
	}

	if size < oneDriveSimpleLimit {
		body, err := io.ReadAll(io.LimitReader(data, size))
		if err != nil {
			return "", types.NewError(types.KindTransient, "onedrive.Put", "read data", err)
		}
		var item driveItem
		err = o.rest.doJSON(ctx, "onedrive.Put", key, request{
			method: http.MethodPut,
			url:    o.childURL(name, "content") + "?@microsoft.graph.conflictBehavior=replace",
			body:   body,
			ctype:  contentType,
		}, &item)
		if err != nil {
			return "", err
		}
		return item.ID, nil
	}

	return o.putSession(ctx, key, name, data, size)
}

func (o *OneDrive) putSession(ctx context.Context, key, name string, data io.Reader, size int64) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"item": map[string]string{"@microsoft.graph.conflictBehavior": "replace"},
	})
	var session struct {
		UploadURL string `json:"uploadUrl"`
	}
	err := o.rest.doJSON(ctx, "onedrive.Put", key, request{
		method: http.MethodPost,
		url:    o.childURL(name, "createUploadSession"),
		body:   payload,
		ctype:  "application/json",
	}, &session)
	if err != nil {
		return "", err
	}
	if session.UploadURL == "" {
		return "", &types.Error{Kind: types.KindUploadFailed, Op: "onedrive.Put", Key: key, Msg: "no upload session returned"}
	}

	buf := make([]byte, oneDriveChunkSize)
	var offset int64
	for offset < size {
		n, _, err := readChunk(data, buf[:min(int64(len(buf)), size-offset)])
		if err != nil {
			return "", types.NewError(types.KindTransient, "onedrive.Put", "read data", err)
		}
		if n == 0 {
			return "", &types.Error{Kind: types.KindUploadFailed, Op: "onedrive.Put", Key: key,
				Msg: fmt.Sprintf("body ended at %d of %d bytes", offset, size)}
		}

		resp, err := o.rest.do(ctx, request{
			method: http.MethodPut,
			url:    session.UploadURL,
			body:   buf[:n],
			headers: map[string]string{
				"Content-Range": fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, size),
			},
		})
		if err != nil {
			return "", transportError("onedrive.Put", key, err)
		}
		offset += int64(n)

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			var item driveItem
			err := json.NewDecoder(resp.Body).Decode(&item)
			resp.Body.Close()
			if err != nil || item.ID == "" {
				return "", &types.Error{Kind: types.KindUploadFailed, Op: "onedrive.Put", Key: key, Msg: "decode upload result", Err: err}
			}
			return item.ID, nil
		case http.StatusAccepted:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		default:
			return "", statusError("onedrive.Put", key, resp)
		}
	}
	return "", &types.Error{Kind: types.KindUploadFailed, Op: "onedrive.Put", Key: key, Msg: "session did not complete"}
}

func (o *OneDrive) Remove(ctx context.Context, key string) error {
	err := o.rest.doJSON(ctx, "onedrive.Remove", key, request{method: http.MethodDelete, url: o.itemURL(key)}, nil)
	if types.KindOf(err) == types.KindNotFound {
		return nil
	}
	return err
}

type driveChildren struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// List follows @odata.nextLink page by page; recursive mode walks sub-folders depth first
func (o *OneDrive) List(ctx context.Context, container string, recursive bool) iter.Seq2[types.ObjectInfo, error] {
	if container == "" {
		container = o.folder
	}
	return func(yield func(types.ObjectInfo, error) bool) {
		pending := []string{container}
		for len(pending) > 0 {
			folder := pending[len(pending)-1]
			pending = pending[:len(pending)-1]

			next := o.itemURL(folder) + "/children?$top=200"
			for next != "" {
				var page driveChildren
				if err := o.rest.doJSON(ctx, "onedrive.List", folder, request{method: http.MethodGet, url: next}, &page); err != nil {
					yield(types.ObjectInfo{}, err)
					return
				}
				for _, item := range page.Value {
					info := item.info()
					if info.IsDir && recursive {
						pending = append(pending, item.ID)
					}
					if !yield(info, nil) {
						return
					}
				}
				next = page.NextLink
			}
		}
	}
}

// Presign creates an anonymous view link that expires after ttl
func (o *OneDrive) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"type":               "view",
		"scope":              "anonymous",
		"expirationDateTime": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
	var out struct {
		Link struct {
			WebURL string `json:"webUrl"`
		} `json:"link"`
	}
	err := o.rest.doJSON(ctx, "onedrive.Presign", key, request{
		method: http.MethodPost,
		url:    o.itemURL(key) + "/createLink",
		body:   payload,
		ctype:  "application/json",
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Link.WebURL, nil
}

func (o *OneDrive) ValidateContainer(ctx context.Context, container string) (bool, error) {
	if container == "" {
		container = o.folder
	}
	var item driveItem
	if err := o.rest.doJSON(ctx, "onedrive.ValidateContainer", container, request{method: http.MethodGet, url: o.itemURL(container)}, &item); err != nil {
		return false, err
	}
	if item.Folder == nil {
		return false, &types.Error{Kind: types.KindNotFound, Op: "onedrive.ValidateContainer", Key: container, Msg: "not a folder"}
	}
	return true, nil
}

func (o *OneDrive) Close() error {
	o.rest.http.CloseIdleConnections()
	return nil
}

// spoolToTemp copies r into a temp file and rewinds it. The caller removes the file.
func spoolToTemp(r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp("", "zapoffload-spool-*")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, err
	}
	return f, n, nil
}
