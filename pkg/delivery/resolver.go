// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery serves record bytes at /<segment>/<id>/<name>, choosing
// between a presigned redirect, cached bytes and a streamed response.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/cache"
	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/local"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/proxy"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
)

// ErrNotFound is the only error Resolve returns. It never says why.
var ErrNotFound = errors.New("delivery: not found")

// Profiles resolves a record's storage profile and connection
type Profiles interface {
	Get(ctx context.Context, id string) (*types.StorageProfile, error)
	Connection(ctx context.Context, p *types.StorageProfile) (types.Connection, error)
}

// Response is a resolved delivery. Exactly one of Location, Body or Content is set.
type Response struct {
	Path        string
	Status      int
	ContentType string
	FileName    string
	Headers     map[string]string

	// Location is the presigned redirect target
	Location string
	// Body holds the full object bytes
	Body []byte
	// Content streams the object; the caller must close it
	Content io.ReadSeekCloser
	Size    int64
	ModTime time.Time
}

// Close releases the streamed content, if any
func (r *Response) Close() error {
	if r.Content == nil {
		return nil
	}
	return r.Content.Close()
}

// Resolver turns (record id, display name) into a Response
type Resolver struct {
	records     metadata.RecordStore
	profiles    Profiles
	local       *local.Store
	cache       cache.Store
	permissions metadata.Permissions
}

// Option configures a Resolver
type Option func(*Resolver)

// WithCache enables the public response cache
func WithCache(c cache.Store) Option {
	return func(r *Resolver) {
		r.cache = c
	}
}

// WithPermissions replaces the default public-only download check
func WithPermissions(p metadata.Permissions) Option {
	return func(r *Resolver) {
		r.permissions = p
	}
}

func NewResolver(records metadata.RecordStore, profiles Profiles, store *local.Store, opts ...Option) *Resolver {
	r := &Resolver{
		records:     records,
		profiles:    profiles,
		local:       store,
		permissions: metadata.PublicOnly{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve validates the request and produces the response for record id
// under display name. Every failure is reported as ErrNotFound; causes that
// occur after the record was validated are logged.
func (r *Resolver) Resolve(ctx context.Context, id, name string) (*Response, error) {
	if id == "" || name == "" {
		return nil, ErrNotFound
	}
	log := logger.Ctx(ctx).With().Str("record_id", id).Logger()

	if resp, ok := r.cached(ctx, id, name); ok {
		return resp, nil
	}

	rec, err := r.records.GetRecord(ctx, id)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			log.Warn().Err(err).Msg("record lookup failed")
		}
		return nil, ErrNotFound
	}
	if rec.IsFolder || rec.FileName != name || !r.permissions.CanDownload(ctx, rec) {
		return nil, ErrNotFound
	}

	var resp *Response
	if rec.HasRemote() {
		resp, err = r.remote(ctx, rec)
	} else {
		resp, err = r.localFile(rec)
	}
	if err != nil {
		log.Error().Err(err).
			Str("file_name", name).
			Str("profile_id", rec.ProfileID).
			Str("remote_key", rec.RemoteKey).
			Msg("error obtaining file content")
		return nil, ErrNotFound
	}
	return resp, nil
}

func (r *Resolver) cached(ctx context.Context, id, name string) (*Response, bool) {
	if r.cache == nil {
		return nil, false
	}
	c, ok, err := r.cache.Get(ctx, cache.Key(id))
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("record_id", id).Msg("response cache read failed")
		return nil, false
	}
	if !ok || c.FileName != name {
		return nil, false
	}
	return &Response{
		Path:        PathCacheHit,
		Status:      c.Status,
		ContentType: c.ContentType,
		FileName:    c.FileName,
		Headers:     c.Headers,
		Body:        c.Body,
		Size:        int64(len(c.Body)),
		ModTime:     c.StoredAt,
	}, true
}

func (r *Resolver) remote(ctx context.Context, rec *types.Record) (*Response, error) {
	p, err := r.profiles.Get(ctx, rec.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("load storage profile: %w", err)
	}
	conn, err := r.profiles.Connection(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	contentType := rec.ContentType()
	resp := &Response{
		Status:      http.StatusOK,
		ContentType: contentType,
		FileName:    rec.FileName,
		Headers:     map[string]string{"Content-Disposition": disposition(rec.FileName)},
		ModTime:     rec.UpdatedAt,
	}

	if p.PresignAllowed(contentType) {
		loc, err := conn.Presign(ctx, rec.RemoteKey, p.PresignTTL())
		if err != nil {
			return nil, fmt.Errorf("presign: %w", err)
		}
		if loc != "" {
			resp.Path = PathPresign
			resp.Status = http.StatusFound
			resp.Location = loc
			return resp, nil
		}
	}

	size := rec.Size
	if p.RemoteSizeEnabled || size <= 0 {
		info, err := conn.Stat(ctx, rec.RemoteKey)
		if err != nil {
			return nil, fmt.Errorf("stat: %w", err)
		}
		size = info.Size
		if !info.Modified.IsZero() {
			resp.ModTime = info.Modified
		}
	}
	resp.Size = size

	threshold := p.CacheThreshold()
	cacheable := !rec.IsPrivate && threshold > 0 && size > 0 && size < threshold
	if !cacheable && size >= p.ChunkSize() {
		resp.Path = PathStream
		resp.Content = proxy.Open(ctx, conn, rec.RemoteKey, proxy.WithSize(size), proxy.WithChunkSize(p.ChunkSize()))
		return resp, nil
	}

	rc, err := conn.GetRange(ctx, rec.RemoteKey, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	buf.Grow(int(size))
	if _, err := io.Copy(&buf, io.LimitReader(rc, size+1)); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if int64(buf.Len()) != size {
		return nil, fmt.Errorf("download: got %d bytes, expected %d", buf.Len(), size)
	}
	resp.Path = PathFull
	resp.Body = buf.Bytes()

	if cacheable && r.cache != nil {
		entry := &cache.Response{
			Status:      resp.Status,
			ContentType: resp.ContentType,
			FileName:    resp.FileName,
			Headers:     resp.Headers,
			Body:        resp.Body,
			StoredAt:    time.Now().UTC(),
		}
		if err := r.cache.Set(ctx, cache.Key(rec.ID), entry, p.CacheTTL()); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("record_id", rec.ID).Msg("response cache write failed")
		}
	}
	return resp, nil
}

func (r *Resolver) localFile(rec *types.Record) (*Response, error) {
	if !rec.IsLocalLocator() {
		return nil, fmt.Errorf("record %s has no deliverable file (%q)", rec.ID, rec.FileURL)
	}
	f, info, err := r.local.Open(rec.FileURL)
	if err != nil {
		return nil, err
	}
	return &Response{
		Path:        PathLocal,
		Status:      http.StatusOK,
		ContentType: rec.ContentType(),
		FileName:    rec.FileName,
		Headers:     map[string]string{"Content-Disposition": disposition(rec.FileName)},
		Content:     f,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

func disposition(name string) string {
	if v := mime.FormatMediaType("inline", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "inline"
}
