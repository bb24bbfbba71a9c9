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
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"golang.org/x/oauth2/endpoints"
)

const (
	driveAPI        = "https://www.googleapis.com/drive/v3"
	driveUploadAPI  = "https://www.googleapis.com/upload/drive/v3"
	driveFolderMIME = "application/vnd.google-apps.folder"
	driveFileFields = "id,name,size,md5Checksum,modifiedTime,mimeType"

	// driveChunkSize must be a multiple of 256 KiB
	driveChunkSize = 4 << 20
)

func init() {
	Register(types.KindGoogleDrive, NewGoogleDrive)
}

// GoogleDrive implements Connection over the Drive v3 REST API.
// Keys are Drive file ids; Put returns the id of the created file.
type GoogleDrive struct {
	rest      restClient
	api       string
	uploadAPI string
	folder    string
}

// NewGoogleDrive creates a Drive connection bound to cfg.Folder
func NewGoogleDrive(cfg types.ConnectionConfig) (types.Connection, error) {
	if err := types.MissingFields("gdrive.New", oauthMissing(cfg, "Client ID", "Client Secret", "Folder ID")); err != nil {
		return nil, err
	}

	g := &GoogleDrive{
		api:       driveAPI,
		uploadAPI: driveUploadAPI,
		folder:    cfg.Folder,
	}
	if u := cfg.Options["api_url"]; u != "" {
		g.api = strings.TrimSuffix(u, "/")
	}
	if u := cfg.Options["upload_url"]; u != "" {
		g.uploadAPI = strings.TrimSuffix(u, "/")
	}
	g.rest = restClient{
		kind: types.KindGoogleDrive,
		http: newOAuthClient(types.KindGoogleDrive, oauthConfig(cfg, endpoints.Google), cfg.RefreshToken, g.api, g.uploadAPI),
	}
	return g, nil
}

type driveFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         string    `json:"size"`
	MD5          string    `json:"md5Checksum"`
	ModifiedTime time.Time `json:"modifiedTime"`
	MimeType     string    `json:"mimeType"`
	WebViewLink  string    `json:"webViewLink"`
}

func (f driveFile) info() types.ObjectInfo {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	return types.ObjectInfo{
		Key:      f.ID,
		Name:     f.Name,
		Size:     size,
		ETag:     f.MD5,
		Modified: f.ModifiedTime,
		IsDir:    f.MimeType == driveFolderMIME,
	}
}

func (g *GoogleDrive) Kind() types.BackendKind {
	return types.KindGoogleDrive
}

func (g *GoogleDrive) fileURL(id string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("supportsAllDrives", "true")
	return g.api + "/files/" + url.PathEscape(id) + "?" + q.Encode()
}

func (g *GoogleDrive) Stat(ctx context.Context, key string) (types.ObjectInfo, error) {
	var f driveFile
	err := g.rest.doJSON(ctx, "gdrive.Stat", key, request{
		method: http.MethodGet,
		url:    g.fileURL(key, url.Values{"fields": {driveFileFields}}),
	}, &f)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	return f.info(), nil
}

func (g *GoogleDrive) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return g.rest.getRange(ctx, "gdrive.GetRange", key, request{
		method: http.MethodGet,
		url:    g.fileURL(key, url.Values{"alt": {"media"}}),
	}, offset, length)
}

// Put uploads through a resumable session in driveChunkSize chunks. The
// total is sent with the last chunk, so unknown sizes need no spooling.
func (g *GoogleDrive) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error) {
	meta, _ := json.Marshal(map[string]any{
		"name":     path.Base(key),
		"parents":  []string{g.folder},
		"mimeType": contentType,
	})
	headers := map[string]string{"X-Upload-Content-Type": contentType}
	if size >= 0 {
		headers["X-Upload-Content-Length"] = strconv.FormatInt(size, 10)
	}

	resp, err := g.rest.do(ctx, request{
		method:  http.MethodPost,
		url:     g.uploadAPI + "/files?uploadType=resumable&supportsAllDrives=true",
		body:    meta,
		ctype:   "application/json; charset=UTF-8",
		headers: headers,
	})
	if err != nil {
		return "", transportError("gdrive.Put", key, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError("gdrive.Put", key, resp)
	}
	resp.Body.Close()
	session := resp.Header.Get("Location")
	if session == "" {
		return "", &types.Error{Kind: types.KindUploadFailed, Op: "gdrive.Put", Key: key, Msg: "no upload session returned"}
	}

	buf := make([]byte, driveChunkSize)
	var offset int64
	for {
		n, last, err := readChunk(data, buf)
		if err != nil {
			return "", types.NewError(types.KindTransient, "gdrive.Put", "read data", err)
		}

		total := "*"
		if last {
			total = strconv.FormatInt(offset+int64(n), 10)
		}
		contentRange := fmt.Sprintf("bytes %d-%d/%s", offset, offset+int64(n)-1, total)
		if n == 0 {
			contentRange = "bytes */" + total
		}

		resp, err := g.rest.do(ctx, request{
			method:  http.MethodPut,
			url:     session,
			body:    buf[:n],
			headers: map[string]string{"Content-Range": contentRange},
		})
		if err != nil {
			return "", transportError("gdrive.Put", key, err)
		}
		offset += int64(n)

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			var f driveFile
			err := json.NewDecoder(resp.Body).Decode(&f)
			resp.Body.Close()
			if err != nil || f.ID == "" {
				return "", &types.Error{Kind: types.KindUploadFailed, Op: "gdrive.Put", Key: key, Msg: "decode upload result", Err: err}
			}
			return f.ID, nil
		case http.StatusPermanentRedirect: // 308 Resume Incomplete
			resp.Body.Close()
			if last {
				return "", &types.Error{Kind: types.KindUploadFailed, Op: "gdrive.Put", Key: key, Msg: "upload incomplete after final chunk"}
			}
		default:
			return "", statusError("gdrive.Put", key, resp)
		}
	}
}

func (g *GoogleDrive) Remove(ctx context.Context, key string) error {
	err := g.rest.doJSON(ctx, "gdrive.Remove", key, request{
		method: http.MethodDelete,
		url:    g.fileURL(key, nil),
	}, nil)
	if types.KindOf(err) == types.KindNotFound {
		return nil
	}
	return err
}

type driveList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

// List pages through the folder's children; recursive mode walks sub-folders depth first
func (g *GoogleDrive) List(ctx context.Context, container string, recursive bool) iter.Seq2[types.ObjectInfo, error] {
	if container == "" {
		container = g.folder
	}
	return func(yield func(types.ObjectInfo, error) bool) {
		pending := []string{container}
		for len(pending) > 0 {
			folder := pending[len(pending)-1]
			pending = pending[:len(pending)-1]

			pageToken := ""
			for {
				q := url.Values{
					"q":                         {fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(folder, "'", `\'`))},
					"fields":                    {"nextPageToken,files(" + driveFileFields + ")"},
					"pageSize":                  {"1000"},
					"supportsAllDrives":         {"true"},
					"includeItemsFromAllDrives": {"true"},
				}
				if pageToken != "" {
					q.Set("pageToken", pageToken)
				}

				var page driveList
				err := g.rest.doJSON(ctx, "gdrive.List", folder, request{
					method: http.MethodGet,
					url:    g.api + "/files?" + q.Encode(),
				}, &page)
				if err != nil {
					yield(types.ObjectInfo{}, err)
					return
				}

				for _, f := range page.Files {
					info := f.info()
					if info.IsDir && recursive {
						pending = append(pending, f.ID)
					}
					if !yield(info, nil) {
						return
					}
				}
				if page.NextPageToken == "" {
					break
				}
				pageToken = page.NextPageToken
			}
		}
	}
}

// Presign returns the file's web view link. Drive has no signed URLs;
// access follows the file's sharing settings and ttl is not enforced.
func (g *GoogleDrive) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var f driveFile
	err := g.rest.doJSON(ctx, "gdrive.Presign", key, request{
		method: http.MethodGet,
		url:    g.fileURL(key, url.Values{"fields": {"webViewLink"}}),
	}, &f)
	if err != nil {
		return "", err
	}
	return f.WebViewLink, nil
}

func (g *GoogleDrive) ValidateContainer(ctx context.Context, container string) (bool, error) {
	if container == "" {
		container = g.folder
	}
	var f driveFile
	err := g.rest.doJSON(ctx, "gdrive.ValidateContainer", container, request{
		method: http.MethodGet,
		url:    g.fileURL(container, url.Values{"fields": {"id,mimeType"}}),
	}, &f)
	if err != nil {
		return false, err
	}
	if f.MimeType != driveFolderMIME {
		return false, &types.Error{Kind: types.KindNotFound, Op: "gdrive.ValidateContainer", Key: container, Msg: "not a folder"}
	}
	return true, nil
}

func (g *GoogleDrive) Close() error {
	g.rest.http.CloseIdleConnections()
	return nil
}
