// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures across adapters and the lifecycle
type ErrorKind string

const (
	KindConfigInvalid             ErrorKind = "ConfigInvalid"
	KindBackendUnavailable        ErrorKind = "BackendUnavailable"
	KindNotFound                  ErrorKind = "NotFound"
	KindPermissionDenied          ErrorKind = "PermissionDenied"
	KindTransient                 ErrorKind = "Transient"
	KindPartialReferenceViolation ErrorKind = "PartialReferenceViolation"
	KindUploadFailed              ErrorKind = "UploadFailed"
	KindMigrationFailed           ErrorKind = "MigrationFailed"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its own kind and,
// for UploadFailed/MigrationFailed, whatever its cause matches.
var (
	ErrConfigInvalid             = &Error{Kind: KindConfigInvalid}
	ErrBackendUnavailable        = &Error{Kind: KindBackendUnavailable}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrPermissionDenied          = &Error{Kind: KindPermissionDenied}
	ErrTransient                 = &Error{Kind: KindTransient}
	ErrPartialReferenceViolation = &Error{Kind: KindPartialReferenceViolation}
	ErrUploadFailed              = &Error{Kind: KindUploadFailed}
	ErrMigrationFailed           = &Error{Kind: KindMigrationFailed}
)

// Error is the structured error returned by every component
type Error struct {
	Kind     ErrorKind
	Op       string // e.g. "s3.Stat", "lifecycle.upload"
	RecordID string
	Key      string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.RecordID != "" {
		fmt.Fprintf(&b, " record=%s", e.RecordID)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " key=%s", e.Key)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError builds an *Error of the given kind
func NewError(kind ErrorKind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is worth retrying as-is
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// MissingFields builds a ConfigInvalid error listing every missing field at once
func MissingFields(op string, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	return &Error{
		Kind: KindConfigInvalid,
		Op:   op,
		Msg:  "missing required fields: " + strings.Join(fields, ", "),
	}
}
