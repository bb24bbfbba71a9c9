// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/go-chi/chi/v5"
)

// RecordURLResult is the operator-facing outcome of a record URL request
type RecordURLResult struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	URL               string `json:"url,omitempty"`
	FileName          string `json:"file_name,omitempty"`
	ExpirationSeconds int    `json:"expiration_seconds,omitempty"`
}

type assignRequest struct {
	// ProfileID is the target profile; empty moves the record to local storage
	ProfileID string `json:"profile_id"`
}

// RecordURL returns a direct URL for a remote record: the CDN address when
// the profile has a CDN domain, else a presigned URL when presigning is on.
func (h *Handler) RecordURL(ctx context.Context, id string) RecordURLResult {
	rec, err := h.records.Get(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return RecordURLResult{Message: "File not found"}
	}
	if err != nil {
		return RecordURLResult{Message: err.Error()}
	}
	if !rec.HasRemote() {
		return RecordURLResult{Message: "File not stored remotely"}
	}

	p, conn, err := h.profiles.Resolve(ctx, rec.ProfileID)
	if err != nil {
		return RecordURLResult{Message: err.Error()}
	}
	if u := p.CDNURL(rec.RemoteKey); u != "" {
		return RecordURLResult{Success: true, URL: u, FileName: rec.FileName}
	}
	if !p.PresignedURLs {
		return RecordURLResult{Message: "Could not generate presigned URL"}
	}

	u, err := conn.Presign(ctx, rec.RemoteKey, p.PresignTTL())
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("record_id", id).Str("profile_id", p.ID).Msg("presign failed")
		return RecordURLResult{Message: err.Error()}
	}
	if u == "" {
		return RecordURLResult{Message: "Could not generate presigned URL"}
	}
	return RecordURLResult{
		Success:           true,
		URL:               u,
		FileName:          rec.FileName,
		ExpirationSeconds: int(p.PresignTTL().Seconds()),
	}
}

func (h *Handler) recordURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.RecordURL(r.Context(), chi.URLParam(r, "id")))
}

// assignRecord saves the record with a new profile, which uploads, migrates
// or demotes it through the lifecycle. Failures on existing records are fatal.
func (h *Handler) assignRecord(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	next := rec.Clone()
	next.ProfileID = req.ProfileID
	saved, err := h.records.Save(r.Context(), next)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
