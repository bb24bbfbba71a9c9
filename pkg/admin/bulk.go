// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"fmt"
	"math"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"golang.org/x/time/rate"
)

// DefaultBulkLimit caps a bulk assignment when the caller gives no limit
const DefaultBulkLimit = 100

// BulkResult counts the records a bulk assignment touched
type BulkResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// BulkAssigner moves unassigned local records onto a profile, one save at a
// time through the record service so each goes through the lifecycle.
type BulkAssigner struct {
	profiles Profiles
	records  Records
	limiter  *rate.Limiter
}

// NewBulkAssigner paces saves at rps per second; rps <= 0 means unlimited
func NewBulkAssigner(profiles Profiles, records Records, rps float64) *BulkAssigner {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &BulkAssigner{
		profiles: profiles,
		records:  records,
		limiter:  rate.NewLimiter(limit, max(1, int(math.Ceil(rps)))),
	}
}

// save assigns one record, retrying once after a transient failure
func (b *BulkAssigner) save(ctx context.Context, rec *types.Record) error {
	_, err := b.records.Save(ctx, rec)
	if !types.IsRetryable(err) {
		return err
	}
	logger.Ctx(ctx).Warn().Err(err).Str("record_id", rec.ID).Msg("transient failure, retrying record")
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = b.records.Save(ctx, rec)
	return err
}

// Assign selects up to limit non-folder records without a profile
// (optionally only those in folder) and assigns each to profileID. A record
// whose save fails is counted and skipped; the batch continues. Transient
// failures get one retry.
func (b *BulkAssigner) Assign(ctx context.Context, profileID, folder string, limit int) (BulkResult, error) {
	const op = "admin.BulkAssign"
	if profileID == "" {
		return BulkResult{}, types.MissingFields(op, []string{"Storage Profile"})
	}
	p, err := b.profiles.Get(ctx, profileID)
	if err != nil {
		return BulkResult{}, err
	}
	if !p.Enabled {
		return BulkResult{}, &types.Error{Kind: types.KindPermissionDenied, Op: op, Key: p.ID,
			Msg: fmt.Sprintf("storage profile %s is disabled", p.Title)}
	}
	if limit <= 0 {
		limit = DefaultBulkLimit
	}

	recs, err := b.records.List(ctx, metadata.RecordFilter{
		Unassigned:     true,
		ExcludeFolders: true,
		Folder:         folder,
		Limit:          limit,
	})
	if err != nil {
		return BulkResult{}, fmt.Errorf("select records: %w", err)
	}

	log := logger.Ctx(ctx).With().Str("profile_id", profileID).Str("folder", folder).Logger()
	res := BulkResult{Success: true}
	for _, rec := range recs {
		if err := b.limiter.Wait(ctx); err != nil {
			log.Warn().Err(err).Int("remaining", len(recs)-res.Attempted).Msg("bulk assignment interrupted")
			break
		}
		res.Attempted++

		next := rec.Clone()
		next.ProfileID = profileID
		if err := b.save(ctx, next); err != nil {
			res.Failed++
			log.Error().Err(err).Str("record_id", rec.ID).Msg("bulk assignment failed for record")
			continue
		}
		res.Succeeded++
	}

	res.Message = fmt.Sprintf("Processed %d files: %d successful, %d failed", res.Attempted, res.Succeeded, res.Failed)
	log.Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("bulk assignment finished")
	return res, nil
}
