// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/proxy"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/dustin/go-humanize"
)

// transferChunkSize bounds each ranged read during a backend-to-backend copy
const transferChunkSize = 8 << 20

// Upload moves rec's local bytes to p and points rec at the new object.
// A record that already has a remote pointer is left alone without any
// backend call. On failure rec is not modified.
func (c *Controller) Upload(ctx context.Context, rec *types.Record, p *types.StorageProfile) (Outcome, metadata.Plan, error) {
	const op = "lifecycle.upload"

	if rec.HasRemote() {
		observe(actionUpload, "skipped")
		return AlreadyRemote, metadata.NopPlan{}, nil
	}
	if rec.IsFolder || p.IsIgnoredKind(rec.AttachedToKind) {
		rec.ClearRemote()
		observe(actionUpload, "skipped")
		return Ignored, metadata.NopPlan{}, nil
	}

	fail := func(kind types.ErrorKind, msg string, err error) (Outcome, metadata.Plan, error) {
		observe(actionUpload, "error")
		return "", nil, &types.Error{Kind: types.KindUploadFailed, Op: op, RecordID: rec.ID, Msg: msg,
			Err: &types.Error{Kind: kind, Op: op, Key: rec.FileURL, Err: err}}
	}
	switch {
	case !p.Enabled:
		return fail(types.KindPermissionDenied, fmt.Sprintf("storage profile %s is disabled", p.Title), nil)
	case rec.IsExternalURL():
		return fail(types.KindConfigInvalid, "http(s) files cannot be stored remotely", nil)
	case !rec.IsLocalLocator():
		return fail(types.KindConfigInvalid, "record has no local file", nil)
	}

	f, info, err := c.local.Open(rec.FileURL)
	if err != nil {
		observe(actionUpload, "error")
		return "", nil, &types.Error{Kind: types.KindUploadFailed, Op: op, RecordID: rec.ID, Msg: "open local file", Err: err}
	}
	defer f.Close()

	conn, err := c.profiles.Connection(ctx, p)
	if err != nil {
		observe(actionUpload, "error")
		return "", nil, &types.Error{Kind: types.KindUploadFailed, Op: op, RecordID: rec.ID, Msg: "connect", Err: err}
	}

	hash := rec.ContentHash
	if hash == "" {
		if hash, err = c.local.Hash(rec.FileURL); err != nil {
			observe(actionUpload, "error")
			return "", nil, &types.Error{Kind: types.KindUploadFailed, Op: op, RecordID: rec.ID, Msg: "hash local file", Err: err}
		}
	}

	key, err := c.freeKey(ctx, p.ID, rec)
	if err != nil {
		observe(actionUpload, "error")
		return "", nil, &types.Error{Kind: types.KindUploadFailed, Op: op, RecordID: rec.ID, Msg: "choose remote key", Err: err}
	}
	id, err := conn.Put(ctx, key, f, info.Size(), rec.ContentType())
	if err != nil {
		observe(actionUpload, "error")
		return "", nil, &types.Error{Kind: types.KindUploadFailed, Op: op, RecordID: rec.ID, Key: key, Err: err}
	}

	source := rec.FileURL
	rec.ProfileID = p.ID
	rec.RemoteKey = id
	rec.ContentHash = hash
	rec.FileURL = c.deliveryLocator(rec)
	if rec.Size == 0 {
		rec.Size = info.Size()
	}

	pl := &plan{}
	pl.onCommit(func(ctx context.Context) {
		if err := c.local.Remove(source); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("record_id", rec.ID).Str("locator", source).Msg("failed to remove uploaded local file")
		}
		c.invalidate(ctx, rec.ID)
	})
	pl.onAbort(func(ctx context.Context) {
		c.abandon(ctx, conn, p.ID, id, rec.ID)
	})

	observe(actionUpload, "ok")
	TransferredBytes.WithLabelValues(actionUpload).Add(float64(info.Size()))
	logger.Ctx(ctx).Info().
		Str("record_id", rec.ID).
		Str("profile_id", p.ID).
		Str("remote_key", id).
		Str("size", humanize.IBytes(uint64(info.Size()))).
		Msg("uploaded record")
	return Uploaded, pl, nil
}

// demote downloads the object prev points at into local storage and points
// next at the local copy. The remote object is dropped on commit when no
// other record references it.
func (c *Controller) demote(ctx context.Context, prev, next *types.Record) (metadata.Plan, error) {
	const op = "lifecycle.demote"
	fail := func(msg string, err error) (metadata.Plan, error) {
		observe(actionDemote, "error")
		return nil, &types.Error{Kind: types.KindMigrationFailed, Op: op, RecordID: next.ID, Key: prev.RemoteKey, Msg: msg, Err: err}
	}

	src, err := c.profiles.Get(ctx, prev.ProfileID)
	if err != nil {
		return fail("load storage profile", err)
	}
	conn, err := c.profiles.Connection(ctx, src)
	if err != nil {
		return fail("connect", err)
	}

	rc, err := conn.GetRange(ctx, prev.RemoteKey, 0, 0)
	if err != nil {
		return fail("download", err)
	}
	locator := c.local.FreeLocator(next, next.ID)
	w, err := c.local.Write(ctx, locator, rc)
	rc.Close()
	if err != nil {
		return fail("write local file", err)
	}

	next.ClearRemote()
	next.FileURL = w.Locator
	next.Size = w.Size
	next.ContentHash = w.Hash

	pl := &plan{}
	pl.onCommit(func(ctx context.Context) {
		c.releaseLogged(ctx, conn, prev.ProfileID, prev.RemoteKey, next.ID)
		c.invalidate(ctx, next.ID)
	})
	pl.onAbort(func(ctx context.Context) {
		if err := c.local.Remove(w.Locator); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("locator", w.Locator).Msg("failed to remove downloaded file")
		}
	})

	observe(actionDemote, "ok")
	TransferredBytes.WithLabelValues(actionDemote).Add(float64(w.Size))
	logger.Ctx(ctx).Info().
		Str("record_id", next.ID).
		Str("profile_id", prev.ProfileID).
		Str("remote_key", prev.RemoteKey).
		Str("locator", w.Locator).
		Str("size", humanize.IBytes(uint64(w.Size))).
		Msg("moved record to local storage")
	return pl, nil
}

// migrate copies the object prev points at into target. Backends of the
// same kind stream through the remote object proxy; different kinds stage
// the object in one temp file.
func (c *Controller) migrate(ctx context.Context, prev, next *types.Record, target *types.StorageProfile) (metadata.Plan, error) {
	const op = "lifecycle.migrate"
	fail := func(msg string, err error) (metadata.Plan, error) {
		observe(actionMigrate, "error")
		return nil, &types.Error{Kind: types.KindMigrationFailed, Op: op, RecordID: next.ID, Key: prev.RemoteKey, Msg: msg, Err: err}
	}

	if !target.Enabled {
		return fail(fmt.Sprintf("storage profile %s is disabled", target.Title),
			&types.Error{Kind: types.KindPermissionDenied, Op: op, Key: target.ID})
	}
	src, err := c.profiles.Get(ctx, prev.ProfileID)
	if err != nil {
		return fail("load source storage profile", err)
	}
	srcConn, err := c.profiles.Connection(ctx, src)
	if err != nil {
		return fail("connect to source", err)
	}
	dstConn, err := c.profiles.Connection(ctx, target)
	if err != nil {
		return fail("connect to target", err)
	}

	info, err := srcConn.Stat(ctx, prev.RemoteKey)
	if err != nil {
		return fail("stat source object", err)
	}

	key, err := c.freeKey(ctx, target.ID, next)
	if err != nil {
		return fail("choose remote key", err)
	}
	var id string
	if src.Kind == target.Kind {
		id, err = streamCopy(ctx, srcConn, dstConn, prev.RemoteKey, key, info.Size, next.ContentType())
	} else {
		id, err = c.stagedCopy(ctx, srcConn, dstConn, prev.RemoteKey, key, next.ContentType())
	}
	if err != nil {
		return fail("copy object", err)
	}

	next.ProfileID = target.ID
	next.RemoteKey = id
	next.FileURL = c.deliveryLocator(next)

	// Two profiles on the same bucket can map the copy onto the source object
	sameObject := id == prev.RemoteKey && src.Kind == target.Kind &&
		src.Endpoint == target.Endpoint && src.Container() == target.Container()

	pl := &plan{}
	pl.onCommit(func(ctx context.Context) {
		if !sameObject {
			c.releaseLogged(ctx, srcConn, prev.ProfileID, prev.RemoteKey, next.ID)
		}
		c.invalidate(ctx, next.ID)
	})
	pl.onAbort(func(ctx context.Context) {
		if !sameObject {
			c.abandon(ctx, dstConn, target.ID, id, next.ID)
		}
	})

	observe(actionMigrate, "ok")
	TransferredBytes.WithLabelValues(actionMigrate).Add(float64(info.Size))
	logger.Ctx(ctx).Info().
		Str("record_id", next.ID).
		Str("from_profile", prev.ProfileID).
		Str("to_profile", target.ID).
		Str("remote_key", id).
		Str("size", humanize.IBytes(uint64(info.Size))).
		Msg("migrated record")
	return pl, nil
}

// streamCopy pipes srcKey into dst through ranged reads without buffering the object
func streamCopy(ctx context.Context, src, dst types.Connection, srcKey, dstKey string, size int64, contentType string) (string, error) {
	var id string
	err := proxy.With(ctx, src, srcKey, func(obj *proxy.Object) error {
		var err error
		id, err = dst.Put(ctx, dstKey, bufio.NewReaderSize(obj, transferChunkSize), size, contentType)
		return err
	}, proxy.WithSize(size), proxy.WithChunkSize(transferChunkSize))
	return id, err
}

// stagedCopy downloads srcKey into a temp file, then uploads that file to dst
func (c *Controller) stagedCopy(ctx context.Context, src, dst types.Connection, srcKey, dstKey, contentType string) (string, error) {
	tmp, err := c.local.TempFile("migrate-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	rc, err := src.GetRange(ctx, srcKey, 0, 0)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(tmp, rc)
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("stage object: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind temp file: %w", err)
	}
	return dst.Put(ctx, dstKey, tmp, n, contentType)
}
