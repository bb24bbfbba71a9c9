// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package admin exposes the operator API: profile management, connection
// tests, remote listings, bulk assignment and record URLs.
//
// Routes, all under /api/admin:
//
//	GET    /profiles                       list profiles with record counts
//	POST   /profiles                       create a profile
//	GET    /profiles/{id}                  get a profile
//	PUT    /profiles/{id}                  update a profile
//	DELETE /profiles/{id}                  delete an unused profile
//	POST   /profiles/test-connection       test a stored profile or raw parameters
//	GET    /profiles/{id}/objects          list the profile's remote objects
//	POST   /profiles/{id}/bulk-assign      move unassigned local records onto the profile
//	GET    /records/{id}/url               CDN or presigned URL of a remote record
//	POST   /records/{id}/assign            assign a record to a profile (or clear it)
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strings"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/profile"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/go-chi/chi/v5"
)

// Profiles is the profile manager surface the API needs
type Profiles interface {
	Get(ctx context.Context, id string) (*types.StorageProfile, error)
	List(ctx context.Context) ([]*types.StorageProfile, error)
	InUse(ctx context.Context, id string) (int, error)
	Save(ctx context.Context, p *types.StorageProfile) (*profile.SaveResult, error)
	Delete(ctx context.Context, id string) error
	Resolve(ctx context.Context, id string) (*types.StorageProfile, types.Connection, error)
	ListRemoteObjects(ctx context.Context, id string, recursive bool) iter.Seq2[types.ObjectInfo, error]
	TestConnection(ctx context.Context, p *types.StorageProfile) profile.TestResult
}

// Records is the hooked record service
type Records interface {
	Get(ctx context.Context, id string) (*types.Record, error)
	List(ctx context.Context, filter metadata.RecordFilter) ([]*types.Record, error)
	Save(ctx context.Context, rec *types.Record) (*types.Record, error)
}

// Config holds the admin API settings
type Config struct {
	// Token, when set, is required as "Authorization: Bearer <token>"
	Token string
	// BulkRPS caps records processed per second by bulk assignment; <= 0 is unlimited
	BulkRPS float64
}

type Handler struct {
	profiles Profiles
	records  Records
	bulk     *BulkAssigner
	config   Config
}

func New(profiles Profiles, records Records, config Config) *Handler {
	return &Handler{
		profiles: profiles,
		records:  records,
		bulk:     NewBulkAssigner(profiles, records, config.BulkRPS),
		config:   config,
	}
}

// Routes mounts the API under /api/admin on r
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", h.listProfiles)
			r.Post("/", h.createProfile)
			r.Post("/test-connection", h.testConnection)
			r.Get("/{id}", h.getProfile)
			r.Put("/{id}", h.updateProfile)
			r.Delete("/{id}", h.deleteProfile)
			r.Get("/{id}/objects", h.listObjects)
			r.Post("/{id}/bulk-assign", h.bulkAssign)
		})

		r.Get("/records/{id}/url", h.recordURL)
		r.Post("/records/{id}/assign", h.assignRecord)
	})
}

// Router returns a standalone router with request logging
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware("admin"))
	h.Routes(r)
	return r
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.Token)) != 1 {
			logger.Ctx(r.Context()).Warn().Str("path", r.URL.Path).Msg("admin request rejected")
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorResponse{Error: errType, Message: message})
}

// writeFailure maps err's kind to a status code. The message is meant for
// operators, so the full error text is returned.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound) && !isTransition(err):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrConfigInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrBackendUnavailable), errors.Is(err, types.ErrTransient), isTransition(err):
		status = http.StatusBadGateway
	}
	errType := string(types.KindOf(err))
	if errType == "" {
		errType = "internal"
	}
	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("admin request failed")
	}
	writeError(w, status, errType, err.Error())
}

func isTransition(err error) bool {
	return errors.Is(err, types.ErrUploadFailed) || errors.Is(err, types.ErrMigrationFailed)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}
