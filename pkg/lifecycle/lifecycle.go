// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle moves record bytes between local disk and storage
// backends as records are saved and deleted.
//
// Every physical copy happens inside BeforeSave, before the new pointer is
// persisted. The superseded copy is only dropped in the returned plan's
// Commit, so a failed metadata write never loses bytes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/LeeDigitalWorks/zapoffload/pkg/cache"
	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/local"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
)

// DefaultURLSegment is the first path segment of delivery locators
const DefaultURLSegment = "file"

// maxKeyAttempts bounds the suffixed candidates freeKey tries
const maxKeyAttempts = 100

// Profiles resolves storage profiles and their connections
type Profiles interface {
	Get(ctx context.Context, id string) (*types.StorageProfile, error)
	Connection(ctx context.Context, p *types.StorageProfile) (types.Connection, error)
	ForFolder(ctx context.Context, folder string) (*types.StorageProfile, error)
}

// Outcome reports what Upload did
type Outcome string

const (
	Uploaded      Outcome = "uploaded"
	AlreadyRemote Outcome = "already_remote"
	Ignored       Outcome = "ignored"
)

// Controller implements metadata.Hooks
type Controller struct {
	records  metadata.RecordStore
	profiles Profiles
	local    *local.Store
	cache    cache.Store
	site     string
	segment  string
}

var _ metadata.Hooks = (*Controller)(nil)

// Option configures a Controller
type Option func(*Controller)

// WithCache sets the response cache invalidated on every pointer change
func WithCache(c cache.Store) Option {
	return func(ctl *Controller) {
		ctl.cache = c
	}
}

// WithURLSegment sets the delivery locator segment (default "file")
func WithURLSegment(segment string) Option {
	return func(ctl *Controller) {
		ctl.segment = strings.Trim(segment, "/")
	}
}

// New creates a controller. site prefixes every remote key.
func New(records metadata.RecordStore, profiles Profiles, store *local.Store, site string, opts ...Option) *Controller {
	c := &Controller{
		records:  records,
		profiles: profiles,
		local:    store,
		site:     site,
		segment:  DefaultURLSegment,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BeforeSave decides and performs the physical transition implied by the
// change from prev to next, then rewrites next's pointer fields to match.
func (c *Controller) BeforeSave(ctx context.Context, prev, next *types.Record) (metadata.Plan, error) {
	if next.IsFolder {
		next.ClearRemote()
		return metadata.NopPlan{}, nil
	}
	switch {
	case prev == nil:
		return c.onCreate(ctx, next)
	case prev.HasRemote():
		return c.onRemoteUpdate(ctx, prev, next)
	default:
		return c.onLocalUpdate(ctx, prev, next)
	}
}

// onCreate handles a brand-new record. Upload failures fall back to local
// storage so the save itself still succeeds.
func (c *Controller) onCreate(ctx context.Context, next *types.Record) (metadata.Plan, error) {
	if next.RemoteKey == "" {
		if pl, ok := c.adopt(ctx, next); ok {
			return pl, nil
		}
	}
	if next.HasRemote() {
		return c.attach(ctx, nil, next)
	}
	if next.RemoteKey != "" {
		return metadata.NopPlan{}, nil
	}

	log := logger.Ctx(ctx).With().Str("record_id", next.ID).Logger()

	var p *types.StorageProfile
	var err error
	if next.ProfileID == "" {
		p, err = c.profiles.ForFolder(ctx, next.Folder)
		if err != nil {
			log.Warn().Err(err).Str("folder", next.Folder).Msg("default storage profile lookup failed, keeping file local")
			return metadata.NopPlan{}, nil
		}
		if p == nil {
			return metadata.NopPlan{}, nil
		}
	} else {
		p, err = c.profiles.Get(ctx, next.ProfileID)
	}

	var pl metadata.Plan = metadata.NopPlan{}
	if err == nil {
		_, pl, err = c.Upload(ctx, next, p)
	}
	if err != nil {
		next.ClearRemote()
		observe(actionUpload, "fallback")
		log.Error().Err(err).Str("file_name", next.FileName).Msg("upload of new record failed, file saved on local storage")
		return metadata.NopPlan{}, nil
	}
	return pl, nil
}

// onLocalUpdate uploads an existing local record when a profile was newly
// assigned. Failure is fatal.
func (c *Controller) onLocalUpdate(ctx context.Context, prev, next *types.Record) (metadata.Plan, error) {
	if next.HasRemote() {
		return c.attach(ctx, prev, next)
	}
	if next.ProfileID == "" || next.RemoteKey != "" {
		return metadata.NopPlan{}, nil
	}
	p, err := c.profiles.Get(ctx, next.ProfileID)
	if err != nil {
		observe(actionUpload, "error")
		return nil, &types.Error{Kind: types.KindUploadFailed, Op: "lifecycle.upload", RecordID: next.ID, Msg: "load storage profile", Err: err}
	}
	_, pl, err := c.Upload(ctx, next, p)
	if err != nil {
		return nil, err
	}
	return pl, nil
}

func (c *Controller) onRemoteUpdate(ctx context.Context, prev, next *types.Record) (metadata.Plan, error) {
	switch next.ProfileID {
	case "":
		return c.demote(ctx, prev, next)
	case prev.ProfileID:
		next.RemoteKey = prev.RemoteKey
		next.FileURL = c.deliveryLocator(next)
		if next.FileURL != prev.FileURL || next.IsPrivate != prev.IsPrivate {
			return c.invalidating(next.ID), nil
		}
		return metadata.NopPlan{}, nil
	}

	target, err := c.profiles.Get(ctx, next.ProfileID)
	if err != nil {
		observe(actionMigrate, "error")
		return nil, &types.Error{Kind: types.KindMigrationFailed, Op: "lifecycle.migrate", RecordID: next.ID, Msg: "load target storage profile", Err: err}
	}
	if target.IsIgnoredKind(next.AttachedToKind) {
		logger.Ctx(ctx).Info().
			Str("record_id", next.ID).
			Str("profile_id", target.ID).
			Str("kind", next.AttachedToKind).
			Msg("record kind is excluded from target profile, moving to local storage")
		return c.demote(ctx, prev, next)
	}
	return c.migrate(ctx, prev, next, target)
}

// adopt points a new record at the object of the record its locator names,
// as happens when an attachment is copied. No bytes move.
func (c *Controller) adopt(ctx context.Context, next *types.Record) (metadata.Plan, bool) {
	id, _, ok := types.ParseDeliveryLocator(c.segment, next.FileURL)
	if !ok || id == next.ID {
		return nil, false
	}
	src, err := c.records.GetRecord(ctx, id)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("record_id", next.ID).Str("source_id", id).Msg("cannot resolve shared locator")
		return nil, false
	}
	if !src.HasRemote() {
		return nil, false
	}

	next.ProfileID = src.ProfileID
	next.RemoteKey = src.RemoteKey
	next.ContentHash = src.ContentHash
	next.Size = src.Size
	next.FileURL = c.deliveryLocator(next)
	observe(actionAdopt, "ok")
	logger.Ctx(ctx).Debug().
		Str("record_id", next.ID).
		Str("source_id", src.ID).
		Str("remote_key", next.RemoteKey).
		Msg("record shares remote object")
	return c.invalidating(next.ID), true
}

// attach accepts a full pointer supplied by the caller once its object is
// found on the named profile. No bytes move. The local file of prev, if any,
// is removed on commit.
func (c *Controller) attach(ctx context.Context, prev, next *types.Record) (metadata.Plan, error) {
	const op = "lifecycle.attach"
	fail := func(msg string, err error) (metadata.Plan, error) {
		observe(actionAdopt, "error")
		return nil, &types.Error{Kind: types.KindConfigInvalid, Op: op, RecordID: next.ID, Key: next.RemoteKey, Msg: msg, Err: err}
	}

	p, err := c.profiles.Get(ctx, next.ProfileID)
	if err != nil {
		return fail("load storage profile", err)
	}
	conn, err := c.profiles.Connection(ctx, p)
	if err != nil {
		return fail("connect", err)
	}
	info, err := conn.Stat(ctx, next.RemoteKey)
	if err != nil {
		return fail("remote object not found", err)
	}

	if next.Size <= 0 {
		next.Size = info.Size
	}
	next.FileURL = c.deliveryLocator(next)
	observe(actionAdopt, "ok")
	logger.Ctx(ctx).Debug().
		Str("record_id", next.ID).
		Str("profile_id", next.ProfileID).
		Str("remote_key", next.RemoteKey).
		Msg("record attached to existing remote object")

	if prev == nil || !prev.IsLocalLocator() {
		return c.invalidating(next.ID), nil
	}
	source := prev.FileURL
	pl := &plan{}
	pl.onCommit(func(ctx context.Context) {
		if err := c.local.Remove(source); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("record_id", next.ID).Str("locator", source).Msg("failed to remove superseded local file")
		}
		c.invalidate(ctx, next.ID)
	})
	return pl, nil
}

// BeforeDelete refuses to delete the last reference to an object whose
// profile is disabled for writes, leaving the object intact.
func (c *Controller) BeforeDelete(ctx context.Context, rec *types.Record) error {
	if !rec.HasRemote() {
		return nil
	}
	p, err := c.profiles.Get(ctx, rec.ProfileID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Enabled {
		return nil
	}
	n, err := metadata.SharingCount(ctx, c.records, rec.ProfileID, rec.RemoteKey, rec.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return &types.Error{
		Kind:     types.KindPermissionDenied,
		Op:       "lifecycle.BeforeDelete",
		RecordID: rec.ID,
		Key:      rec.RemoteKey,
		Msg:      fmt.Sprintf("write disabled for storage profile %s", p.Title),
	}
}

// AfterDelete removes the remote object once no other record references it
func (c *Controller) AfterDelete(ctx context.Context, rec *types.Record) error {
	c.invalidate(ctx, rec.ID)
	if !rec.HasRemote() {
		return nil
	}
	p, err := c.profiles.Get(ctx, rec.ProfileID)
	if errors.Is(err, types.ErrNotFound) {
		observe(actionDelete, "skipped")
		return nil
	}
	if err != nil {
		observe(actionDelete, "error")
		return err
	}
	conn, err := c.profiles.Connection(ctx, p)
	if err != nil {
		observe(actionDelete, "error")
		return err
	}
	removed, err := c.release(ctx, conn, rec.ProfileID, rec.RemoteKey, rec.ID)
	switch {
	case err != nil:
		observe(actionDelete, "error")
		return err
	case removed:
		observe(actionDelete, "ok")
	default:
		observe(actionDelete, "skipped")
	}
	return nil
}

// release removes key from conn unless another record besides excludeID
// still references it. The count is a fresh query each time.
func (c *Controller) release(ctx context.Context, conn types.Connection, profileID, key, excludeID string) (bool, error) {
	n, err := metadata.SharingCount(ctx, c.records, profileID, key, excludeID)
	if err != nil {
		return false, fmt.Errorf("count records sharing %s: %w", key, err)
	}
	log := logger.Ctx(ctx).With().Str("profile_id", profileID).Str("remote_key", key).Logger()
	if n > 0 {
		log.Debug().Int("references", n).Msg("remote object still referenced, keeping it")
		return false, nil
	}
	if err := conn.Remove(ctx, key); err != nil {
		return false, fmt.Errorf("remove remote object: %w", err)
	}
	log.Info().Msg("removed remote object")
	return true, nil
}

// releaseLogged is release for commit paths, where errors can only be logged
func (c *Controller) releaseLogged(ctx context.Context, conn types.Connection, profileID, key, excludeID string) {
	if _, err := c.release(ctx, conn, profileID, key, excludeID); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("profile_id", profileID).
			Str("remote_key", key).
			Msg("superseded remote object left behind")
	}
}

// freeKey returns rec's remote key on profileID. While another record still
// references a candidate, it tries the key suffixed -1, -2, ... before the
// extension, so a new upload never overwrites a shared object.
func (c *Controller) freeKey(ctx context.Context, profileID string, rec *types.Record) (string, error) {
	base := c.RemoteKey(rec)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	key := base
	for i := 1; i <= maxKeyAttempts; i++ {
		n, err := metadata.SharingCount(ctx, c.records, profileID, key, rec.ID)
		if err != nil {
			return "", fmt.Errorf("count records sharing %s: %w", key, err)
		}
		if n == 0 {
			return key, nil
		}
		key = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	return "", fmt.Errorf("no free remote key for %s after %d attempts", base, maxKeyAttempts)
}

// abandon releases a copy made for a save that was never persisted
func (c *Controller) abandon(ctx context.Context, conn types.Connection, profileID, key, recordID string) {
	if _, err := c.release(ctx, conn, profileID, key, recordID); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("profile_id", profileID).
			Str("remote_key", key).
			Msg("orphaned copy left behind")
	}
}

func (c *Controller) invalidate(ctx context.Context, recordID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, cache.Key(recordID)); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("record_id", recordID).Msg("failed to invalidate cached response")
	}
}

// invalidating returns a plan whose only effect is cache invalidation on commit
func (c *Controller) invalidating(recordID string) metadata.Plan {
	pl := &plan{}
	pl.onCommit(func(ctx context.Context) { c.invalidate(ctx, recordID) })
	return pl
}

// RemoteKey derives the collision-free key of rec: {site}/{stem}-{id}{ext}
func (c *Controller) RemoteKey(rec *types.Record) string {
	ext := path.Ext(rec.FileName)
	stem := strings.TrimSuffix(rec.FileName, ext)
	return path.Join(c.site, fmt.Sprintf("%s-%s%s", stem, rec.ID, ext))
}

func (c *Controller) deliveryLocator(rec *types.Record) string {
	return types.DeliveryLocator(c.segment, rec.ID, rec.FileName)
}
