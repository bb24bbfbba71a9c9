// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"iter"
	"net/http"
	"strconv"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/go-chi/chi/v5"
)

// profileRequest is a profile plus write-only credential updates
type profileRequest struct {
	types.StorageProfile
	Secrets map[string]string `json:"secrets,omitempty"`
}

func (req *profileRequest) profile() *types.StorageProfile {
	p := req.StorageProfile
	p.Secrets = req.Secrets
	return &p
}

type profileView struct {
	*types.StorageProfile
	RecordCount int `json:"record_count"`
}

type saveProfileResponse struct {
	Profile  *types.StorageProfile `json:"profile"`
	Warnings []string              `json:"warnings,omitempty"`
}

type testConnectionRequest struct {
	ProfileID string          `json:"profile_id,omitempty"`
	Profile   *profileRequest `json:"profile,omitempty"`
}

type bulkAssignRequest struct {
	Folder string `json:"folder,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.profiles.List(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	views := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		n, err := h.profiles.InUse(r.Context(), p.ID)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		views = append(views, profileView{StorageProfile: p, RecordCount: n})
	}
	writeJSON(w, http.StatusOK, map[string][]profileView{"profiles": views})
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.profiles.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	n, err := h.profiles.InUse(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileView{StorageProfile: p, RecordCount: n})
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	h.saveProfile(w, r, req.profile(), http.StatusCreated)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	p := req.profile()
	p.ID = chi.URLParam(r, "id")
	h.saveProfile(w, r, p, http.StatusOK)
}

func (h *Handler) saveProfile(w http.ResponseWriter, r *http.Request, p *types.StorageProfile, status int) {
	res, err := h.profiles.Save(r.Context(), p)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, status, saveProfileResponse{Profile: res.Profile, Warnings: res.Warnings})
}

func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.profiles.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testConnection accepts a stored profile id, raw parameters, or both (raw
// parameters of a stored profile fall back to its stored secrets)
func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if !decode(w, r, &req) {
		return
	}

	var p *types.StorageProfile
	switch {
	case req.Profile != nil:
		p = req.Profile.profile()
		if req.ProfileID != "" {
			p.ID = req.ProfileID
		}
	case req.ProfileID != "":
		stored, err := h.profiles.Get(r.Context(), req.ProfileID)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		p = stored
	}
	writeJSON(w, http.StatusOK, h.profiles.TestConnection(r.Context(), p))
}

// listObjects streams a JSON array so large listings never sit in memory
func (h *Handler) listObjects(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recursive, _ := strconv.ParseBool(r.URL.Query().Get("recursive"))

	next, stop := iter.Pull2(h.profiles.ListRemoteObjects(r.Context(), id, recursive))
	defer stop()

	// The first item decides between an error response and a 200 stream
	info, err, ok := next()
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	w.Write([]byte(`{"objects":[`))
	n := 0
	for ; ok; info, err, ok = next() {
		if err != nil {
			// Headers are gone; end the document and log
			logger.Ctx(r.Context()).Error().Err(err).Str("profile_id", id).Int("listed", n).Msg("remote listing aborted")
			break
		}
		if n > 0 {
			w.Write([]byte(","))
		}
		enc.Encode(info)
		n++
	}
	w.Write([]byte("]}\n"))
}

func (h *Handler) bulkAssign(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	res, err := h.bulk.Assign(r.Context(), chi.URLParam(r, "id"), req.Folder, req.Limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
