// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache holds fully rendered delivery responses keyed by record id.
package cache

import (
	"context"
	"time"
)

// KeyPrefix namespaces delivery responses
const KeyPrefix = "public_file:"

// Key returns the cache key for a record's delivery response
func Key(recordID string) string {
	return KeyPrefix + recordID
}

// Response is a delivery response with everything needed to replay it
type Response struct {
	Status      int               `json:"status"`
	ContentType string            `json:"content_type"`
	FileName    string            `json:"file_name"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Store is a keyed response cache with per-entry TTL. A miss is (nil, false, nil).
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool, error)
	Set(ctx context.Context, key string, resp *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
