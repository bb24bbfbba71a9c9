// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/google/uuid"
)

// Plan is what a save hook leaves behind once the physical work is done.
// Commit runs after the record was persisted, Abort when persisting failed.
type Plan interface {
	Commit(ctx context.Context)
	Abort(ctx context.Context)
}

// NopPlan does nothing on either outcome
type NopPlan struct{}

func (NopPlan) Commit(context.Context) {}
func (NopPlan) Abort(context.Context) {}

// Hooks intercept record mutations
type Hooks interface {
	// BeforeSave may mutate next. prev is nil for a new record.
	// An error aborts the save.
	BeforeSave(ctx context.Context, prev, next *types.Record) (Plan, error)
	// BeforeDelete may refuse the deletion
	BeforeDelete(ctx context.Context, rec *types.Record) error
	// AfterDelete runs with the record's last state once it is gone
	AfterDelete(ctx context.Context, rec *types.Record) error
}

// Service applies record mutations through Hooks
type Service struct {
	store RecordStore
	hooks Hooks
	now   func() time.Time
}

// NewService creates a record service. hooks may be set later with SetHooks.
func NewService(store RecordStore, hooks Hooks) *Service {
	return &Service{store: store, hooks: hooks, now: time.Now}
}

// SetHooks replaces the hooks
func (s *Service) SetHooks(h Hooks) {
	s.hooks = h
}

func (s *Service) Get(ctx context.Context, id string) (*types.Record, error) {
	return s.store.GetRecord(ctx, id)
}

func (s *Service) List(ctx context.Context, filter RecordFilter) ([]*types.Record, error) {
	return s.store.ListRecords(ctx, filter)
}

// Save persists rec, running BeforeSave first. The returned record carries
// whatever the hooks decided; rec itself is not modified.
func (s *Service) Save(ctx context.Context, rec *types.Record) (*types.Record, error) {
	next := rec.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}

	prev, err := s.store.GetRecord(ctx, next.ID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("load record %s: %w", next.ID, err)
	}

	now := s.now().UTC()
	if prev == nil {
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	} else {
		next.CreatedAt = prev.CreatedAt
	}
	next.UpdatedAt = now

	var plan Plan = NopPlan{}
	if s.hooks != nil {
		plan, err = s.hooks.BeforeSave(ctx, prev, next)
		if err != nil {
			return nil, err
		}
	}

	if next.PartialPointer() {
		plan.Abort(ctx)
		return nil, &types.Error{
			Kind:     types.KindPartialReferenceViolation,
			Op:       "metadata.Save",
			RecordID: next.ID,
			Msg:      fmt.Sprintf("profile_id=%q remote_key=%q", next.ProfileID, next.RemoteKey),
		}
	}

	if err := s.store.PutRecord(ctx, next); err != nil {
		plan.Abort(ctx)
		return nil, fmt.Errorf("persist record %s: %w", next.ID, err)
	}
	plan.Commit(ctx)
	return next, nil
}

// Delete removes the record. BeforeDelete can refuse; AfterDelete failures are
// logged because the record is already gone.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if s.hooks != nil {
		if err := s.hooks.BeforeDelete(ctx, rec); err != nil {
			return err
		}
	}
	if err := s.store.DeleteRecord(ctx, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if s.hooks != nil {
		if err := s.hooks.AfterDelete(ctx, rec); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("record_id", rec.ID).
				Str("profile_id", rec.ProfileID).
				Str("remote_key", rec.RemoteKey).
				Msg("post-delete cleanup failed")
		}
	}
	return nil
}
