// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strings"
	"time"
)

// Setting floors and defaults
const (
	MinStreamChunkSize       int64 = 8192
	DefaultStreamChunkSize   int64 = 8192
	DefaultCacheSmallerThan  int64 = 5_000_000
	DefaultCacheTTLSeconds         = 86_400
	DefaultPresignTTLSeconds       = 10_800

	// HomeFolder is the fallback folder mapping for records without a mapped folder
	HomeFolder = "Home"
)

// Secret field names held in the Secret Store, keyed by (SecretEntityProfile, profile id, field)
const (
	SecretEntityProfile = "storage_profile"

	SecretKeyField    = "secret_key"
	ClientSecretField = "client_secret"
	RefreshTokenField = "refresh_token"
)

// StorageProfile is a named configuration of one backend connection plus
// the operational policy applied to records stored through it.
type StorageProfile struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Kind    BackendKind `json:"kind"`
	Enabled bool        `json:"enabled"`

	// Connection parameters (S3 family)
	Endpoint  string `json:"endpoint,omitempty"`
	Secure    bool   `json:"secure,omitempty"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	AccessKey string `json:"access_key,omitempty"`

	// Connection parameters (OAuth family)
	ClientID string `json:"client_id,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
	FolderID string `json:"folder_id,omitempty"` // Drive/OneDrive folder id or Dropbox folder path

	// Operational settings. Zero values mean "use the default".
	StreamChunkSize     int64    `json:"stream_chunk_size,omitempty"`
	CacheSmallerThan    int64    `json:"cache_smaller_than,omitempty"` // negative disables caching
	CacheTTLSeconds     int      `json:"cache_ttl_seconds,omitempty"`
	PresignedURLs       bool     `json:"presigned_urls,omitempty"`
	PresignTTLSeconds   int      `json:"presign_ttl_seconds,omitempty"`
	PresignMIMEPrefixes []string `json:"presign_mime_prefixes,omitempty"`
	IgnoredKinds        []string `json:"ignored_kinds,omitempty"`
	CDNDomain           string   `json:"cdn_domain,omitempty"`
	RemoteSizeEnabled   bool     `json:"remote_size_enabled,omitempty"`
	Folders             []string `json:"folders,omitempty"`

	// Options carries adapter overrides such as API base URLs
	Options map[string]string `json:"options,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`

	// Secrets carries write-only credential updates on save (field name -> value).
	// It is never persisted with the profile; the Secret Store owns the values.
	Secrets map[string]string `json:"-"`
}

// ChunkSize returns the stream chunk size, raised to the floor when unset or too small
func (p *StorageProfile) ChunkSize() int64 {
	if p.StreamChunkSize < MinStreamChunkSize {
		return DefaultStreamChunkSize
	}
	return p.StreamChunkSize
}

// CacheThreshold returns the cache-if-smaller-than limit. Zero means caching is disabled.
func (p *StorageProfile) CacheThreshold() int64 {
	switch {
	case p.CacheSmallerThan < 0:
		return 0
	case p.CacheSmallerThan == 0:
		return DefaultCacheSmallerThan
	default:
		return p.CacheSmallerThan
	}
}

func (p *StorageProfile) CacheTTL() time.Duration {
	if p.CacheTTLSeconds <= 0 {
		return DefaultCacheTTLSeconds * time.Second
	}
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

func (p *StorageProfile) PresignTTL() time.Duration {
	if p.PresignTTLSeconds <= 0 {
		return DefaultPresignTTLSeconds * time.Second
	}
	return time.Duration(p.PresignTTLSeconds) * time.Second
}

// PresignAllowed reports whether a record of the given MIME type is delivered
// through a presigned redirect. An empty allowlist admits every type.
func (p *StorageProfile) PresignAllowed(mimeType string) bool {
	if !p.PresignedURLs {
		return false
	}
	if len(p.PresignMIMEPrefixes) == 0 {
		return true
	}
	for _, prefix := range p.PresignMIMEPrefixes {
		if prefix != "" && strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// IsIgnoredKind reports whether records attached to kind must stay local on this profile
func (p *StorageProfile) IsIgnoredKind(kind string) bool {
	return kind != "" && slices.Contains(p.IgnoredKinds, kind)
}

// ServesFolder reports whether the profile is mapped to folder
func (p *StorageProfile) ServesFolder(folder string) bool {
	return folder != "" && slices.Contains(p.Folders, folder)
}

// CDNURL returns the public CDN address of key, or "" when no CDN domain is set
func (p *StorageProfile) CDNURL(key string) string {
	if p.CDNDomain == "" {
		return ""
	}
	domain := strings.TrimSuffix(p.CDNDomain, "/")
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return domain + "/" + strings.TrimPrefix(key, "/")
}

// Container returns the bucket or folder the profile stores into
func (p *StorageProfile) Container() string {
	if p.Kind.IsS3Family() {
		return p.Bucket
	}
	return p.FolderID
}

// ConnectionFieldsChanged reports whether any field used to build the
// connection differs from prev. A pending secret update counts as a change.
func (p *StorageProfile) ConnectionFieldsChanged(prev *StorageProfile) bool {
	if prev == nil {
		return true
	}
	if len(p.Secrets) > 0 {
		return true
	}
	return p.Kind != prev.Kind ||
		p.Endpoint != prev.Endpoint ||
		p.Secure != prev.Secure ||
		p.Region != prev.Region ||
		p.Bucket != prev.Bucket ||
		p.AccessKey != prev.AccessKey ||
		p.ClientID != prev.ClientID ||
		p.Tenant != prev.Tenant ||
		p.FolderID != prev.FolderID ||
		!maps.Equal(p.Options, prev.Options)
}

// CriticalFieldsChanged reports whether a change affects records already
// stored through the profile: any connection field or the folder mapping.
func (p *StorageProfile) CriticalFieldsChanged(prev *StorageProfile) bool {
	if prev == nil {
		return false
	}
	return p.ConnectionFieldsChanged(prev) || !slices.Equal(p.Folders, prev.Folders)
}

// Fingerprint identifies the connection parameters plus the given secrets.
// A memoized connection is reused only while the fingerprint is unchanged.
func (p *StorageProfile) Fingerprint(secrets map[string]string) string {
	h := sha256.New()
	for _, s := range []string{
		string(p.Kind), p.Endpoint, boolString(p.Secure), p.Region, p.Bucket, p.AccessKey,
		p.ClientID, p.Tenant, p.FolderID,
		secrets[SecretKeyField], secrets[ClientSecretField], secrets[RefreshTokenField],
	} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	keys := slices.Sorted(maps.Keys(p.Options))
	for _, k := range keys {
		h.Write([]byte(k + "=" + p.Options[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ConnectionConfig assembles the adapter config from the profile and its resolved secrets
func (p *StorageProfile) ConnectionConfig(secrets map[string]string) ConnectionConfig {
	return ConnectionConfig{
		ProfileID:    p.ID,
		Kind:         p.Kind,
		Endpoint:     p.Endpoint,
		Secure:       p.Secure,
		Region:       p.Region,
		Bucket:       p.Bucket,
		AccessKey:    p.AccessKey,
		SecretKey:    secrets[SecretKeyField],
		ClientID:     p.ClientID,
		ClientSecret: secrets[ClientSecretField],
		RefreshToken: secrets[RefreshTokenField],
		Tenant:       p.Tenant,
		Folder:       p.FolderID,
		Options:      p.Options,
	}
}

// RequiredSecrets returns the secret fields the profile's kind needs
func (p *StorageProfile) RequiredSecrets() []string {
	if p.Kind.IsS3Family() {
		return []string{SecretKeyField}
	}
	return []string{ClientSecretField, RefreshTokenField}
}

// MissingFields lists every required connection field that is empty, using
// operator-facing labels. secrets holds the resolved secret values.
func (p *StorageProfile) MissingFields(secrets map[string]string) []string {
	var missing []string
	add := func(empty bool, label string) {
		if empty {
			missing = append(missing, label)
		}
	}
	switch p.Kind {
	case KindAWSS3, KindS3Compatible:
		add(p.Kind == KindS3Compatible && p.Endpoint == "", "Endpoint")
		add(p.Bucket == "", "Bucket Name")
		add(p.AccessKey == "", "Access Key")
		add(secrets[SecretKeyField] == "", "Secret Key")
	case KindDropbox:
		add(p.ClientID == "", "App Key")
		add(secrets[ClientSecretField] == "", "App Secret")
		add(secrets[RefreshTokenField] == "", "Refresh Token")
		add(p.FolderID == "", "Folder Path")
	default:
		add(p.ClientID == "", "Client ID")
		add(secrets[ClientSecretField] == "", "Client Secret")
		add(secrets[RefreshTokenField] == "", "Refresh Token")
		add(p.FolderID == "", "Folder ID")
	}
	return missing
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
