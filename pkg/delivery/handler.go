// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"

	"github.com/go-chi/chi/v5"
)

// notFoundBody is written for every failure so responses cannot be told apart
const notFoundBody = "404 page not found\n"

// Handler serves GET and HEAD /<segment>/{id}/{name}
type Handler struct {
	resolver *Resolver
	segment  string
}

func NewHandler(resolver *Resolver, segment string) *Handler {
	return &Handler{resolver: resolver, segment: strings.Trim(segment, "/")}
}

// Routes mounts the delivery endpoint on r
func (h *Handler) Routes(r chi.Router) {
	pattern := "/" + h.segment + "/{id}/{name}"
	r.Get(pattern, h.ServeFile)
	r.Head(pattern, h.ServeFile)
}

// Router returns a standalone router with request logging
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware("delivery"))
	h.Routes(r)
	r.NotFound(NotFound)
	return r
}

func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	id, ok1 := pathParam(r, "id")
	name, ok2 := pathParam(r, "name")
	if !ok1 || !ok2 {
		NotFound(w, r)
		return
	}

	resp, err := h.resolver.Resolve(r.Context(), id, name)
	if err != nil {
		NotFound(w, r)
		return
	}
	defer resp.Close()
	ResponsesTotal.WithLabelValues(resp.Path).Inc()

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	if resp.Location != "" {
		http.Redirect(w, r, resp.Location, resp.Status)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	var content io.ReadSeeker = bytes.NewReader(resp.Body)
	if resp.Content != nil {
		content = resp.Content
	}
	// ServeContent sets Content-Length and answers Range requests through Seek
	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, "", resp.ModTime, content)
	ServedBytes.WithLabelValues(resp.Path).Add(float64(cw.n))

	logger.Ctx(r.Context()).Debug().
		Str("record_id", id).
		Str("path", resp.Path).
		Int64("size", resp.Size).
		Msg("served file")
}

// NotFound writes the single 404 response used for every delivery failure
func NotFound(w http.ResponseWriter, _ *http.Request) {
	ResponsesTotal.WithLabelValues(PathNotFound).Inc()
	h := w.Header()
	for k := range h {
		if k != logger.RequestIDHeader {
			h.Del(k)
		}
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, notFoundBody)
}

// pathParam returns the decoded URL parameter. chi matches against RawPath
// when the request path carries escapes, so only then is decoding needed.
func pathParam(r *http.Request, key string) (string, bool) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, v != ""
	}
	v, err := url.PathUnescape(v)
	return v, err == nil && v != ""
}

type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
