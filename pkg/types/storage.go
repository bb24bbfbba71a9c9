// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"io"
	"iter"
	"time"
)

// BackendKind identifies the remote storage service behind a profile
type BackendKind string

const (
	KindAWSS3        BackendKind = "aws-s3"        // Amazon S3
	KindS3Compatible BackendKind = "s3-compatible" // MinIO, Ceph RGW, R2, Wasabi...
	KindGoogleDrive  BackendKind = "google-drive"  // Google Drive v3
	KindOneDrive     BackendKind = "onedrive"      // Microsoft Graph
	KindDropbox      BackendKind = "dropbox"       // Dropbox API v2
)

// Kinds lists every supported backend kind.
var Kinds = []BackendKind{KindAWSS3, KindS3Compatible, KindGoogleDrive, KindOneDrive, KindDropbox}

// IsS3Family reports whether the kind speaks the S3 protocol.
// S3-family profiles are validated live on save; the others validate lazily.
func (k BackendKind) IsS3Family() bool {
	return k == KindAWSS3 || k == KindS3Compatible
}

// IsOAuth reports whether the kind authenticates with an OAuth refresh token.
func (k BackendKind) IsOAuth() bool {
	return k == KindGoogleDrive || k == KindOneDrive || k == KindDropbox
}

// Valid reports whether k is one of the supported kinds.
func (k BackendKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ObjectInfo describes one remote object (or folder, for hierarchical backends)
type ObjectInfo struct {
	Key          string    `json:"key"`
	Name         string    `json:"name,omitempty"` // display name when Key is an opaque id
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	Modified     time.Time `json:"modified,omitzero"`
	IsDir        bool      `json:"is_dir"`
	StorageClass string    `json:"storage_class,omitempty"`
}

// Connection is the uniform contract every backend adapter implements.
//
// The container (bucket, Drive folder id, OneDrive folder id, Dropbox folder
// path) is bound when the connection is built from a ConnectionConfig; List and
// ValidateContainer accept an explicit container and fall back to the bound one
// when it is empty.
//
// Errors are *Error values carrying an ErrorKind, so callers can branch with
// errors.Is(err, ErrNotFound) regardless of the backend.
type Connection interface {
	// Kind returns the backend kind
	Kind() BackendKind

	// Stat returns size, etag and modification time of key
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// GetRange streams length bytes of key starting at offset.
	// length == 0 means "to the end of the object".
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Put uploads data under key and returns the id the backend assigned to it.
	// For S3 the id is the key itself; Drive and OneDrive return item ids.
	// size may be -1 when unknown.
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error)

	// Remove deletes key
	Remove(ctx context.Context, key string) error

	// List lazily walks container. Pages are fetched as the sequence is consumed.
	List(ctx context.Context, container string, recursive bool) iter.Seq2[ObjectInfo, error]

	// Presign returns a time-limited direct download URL for key
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ValidateContainer checks that container exists. A missing container is
	// reported as (false, ErrNotFound-kind error), any other failure keeps its own kind.
	ValidateContainer(ctx context.Context, container string) (bool, error)

	// Close releases any resources
	Close() error
}

// ConnectionConfig contains everything an adapter needs to build a Connection.
// Secrets are resolved from the secret store before the config is assembled.
type ConnectionConfig struct {
	ProfileID string      `json:"profile_id"`
	Kind      BackendKind `json:"kind"`

	// S3 family
	Endpoint  string `json:"endpoint,omitempty"`
	Secure    bool   `json:"secure,omitempty"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"-"`

	// OAuth family
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"-"`
	RefreshToken string `json:"-"`
	Tenant       string `json:"tenant,omitempty"`
	Folder       string `json:"folder,omitempty"` // folder id (Drive/OneDrive) or path (Dropbox)

	// Options carries adapter overrides, e.g. API base URLs in tests
	Options map[string]string `json:"options,omitempty"`
}

// Container returns the bucket or folder the connection is bound to
func (c ConnectionConfig) Container() string {
	if c.Kind.IsS3Family() {
		return c.Bucket
	}
	return c.Folder
}
