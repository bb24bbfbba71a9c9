// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"mime"
	"path"
	"strings"
	"time"
)

// DefaultContentType is served when the file name has no known extension
const DefaultContentType = "application/octet-stream"

// RecordState is the physical location of a record's bytes, derived from its pointer shape
type RecordState string

const (
	StateNew    RecordState = "NEW"
	StateLocal  RecordState = "LOCAL"
	StateRemote RecordState = "REMOTE"
)

const (
	PublicFilesPrefix  = "/files/"
	PrivateFilesPrefix = "/private/files/"
)

// Record is a logical file entry. Its bytes live either on local disk (FileURL
// is a /files/ or /private/files/ locator) or at a remote backend (ProfileID
// and RemoteKey are both set and FileURL is the delivery locator).
type Record struct {
	ID             string `json:"id"`
	FileName       string `json:"file_name"`
	FileURL        string `json:"file_url"`
	Size           int64  `json:"size"`
	IsPrivate      bool   `json:"is_private"`
	ContentHash    string `json:"content_hash,omitempty"`
	Folder         string `json:"folder,omitempty"`
	IsFolder       bool   `json:"is_folder,omitempty"`
	AttachedToKind string `json:"attached_to_kind,omitempty"`
	AttachedToName string `json:"attached_to_name,omitempty"`

	ProfileID string `json:"profile_id,omitempty"`
	RemoteKey string `json:"remote_key,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Clone returns a shallow copy safe to mutate
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// HasRemote reports whether the remote pointer is complete
func (r *Record) HasRemote() bool {
	return r.ProfileID != "" && r.RemoteKey != ""
}

// PartialPointer reports whether exactly one half of the remote pointer is set
func (r *Record) PartialPointer() bool {
	return (r.ProfileID == "") != (r.RemoteKey == "")
}

// IsLocalLocator reports whether FileURL points at conventional local storage
func (r *Record) IsLocalLocator() bool {
	return strings.HasPrefix(r.FileURL, PublicFilesPrefix) || strings.HasPrefix(r.FileURL, PrivateFilesPrefix)
}

// IsExternalURL reports whether FileURL is an absolute http(s) address
func (r *Record) IsExternalURL() bool {
	return strings.HasPrefix(r.FileURL, "http://") || strings.HasPrefix(r.FileURL, "https://")
}

// State derives the physical state from the pointer fields
func (r *Record) State() RecordState {
	switch {
	case r.RemoteKey != "":
		return StateRemote
	case r.IsLocalLocator():
		return StateLocal
	default:
		return StateNew
	}
}

// ClearRemote drops both halves of the remote pointer
func (r *Record) ClearRemote() {
	r.ProfileID = ""
	r.RemoteKey = ""
}

// LocalLocator returns the conventional local locator for the record's file name
func (r *Record) LocalLocator() string {
	if r.IsPrivate {
		return PrivateFilesPrefix + r.FileName
	}
	return PublicFilesPrefix + r.FileName
}

// ContentType guesses the MIME type from the file name's extension
func (r *Record) ContentType() string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(r.FileName))); t != "" {
		return t
	}
	return DefaultContentType
}

// DeliveryLocator returns the public delivery path for a remote record
func DeliveryLocator(segment, id, fileName string) string {
	return fmt.Sprintf("/%s/%s/%s", strings.Trim(segment, "/"), id, fileName)
}

// ParseDeliveryLocator extracts the record id and file name from a delivery
// locator of the form /<segment>/<id>/<name>. ok is false for any other shape.
func ParseDeliveryLocator(segment, locator string) (id, name string, ok bool) {
	prefix := "/" + strings.Trim(segment, "/") + "/"
	rest, found := strings.CutPrefix(locator, prefix)
	if !found {
		return "", "", false
	}
	id, name, found = strings.Cut(rest, "/")
	if !found || id == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return id, name, true
}
