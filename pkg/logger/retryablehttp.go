// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"github.com/rs/zerolog"
)

// RetryableHTTPAdapter forwards go-retryablehttp leveled logging into zerolog.
// Retry chatter is demoted one level so a healthy backend stays quiet at INFO.
type RetryableHTTPAdapter struct {
	Backend string
}

func (z RetryableHTTPAdapter) event(e *zerolog.Event, msg string, keysAndValues []interface{}) {
	if z.Backend != "" {
		e = e.Str("backend", z.Backend)
	}
	e.Fields(keysAndValues).Msg(msg)
}

func (z RetryableHTTPAdapter) Error(msg string, keysAndValues ...interface{}) {
	z.event(Warn(), msg, keysAndValues)
}

func (z RetryableHTTPAdapter) Warn(msg string, keysAndValues ...interface{}) {
	z.event(Info(), msg, keysAndValues)
}

func (z RetryableHTTPAdapter) Info(msg string, keysAndValues ...interface{}) {
	z.event(Debug(), msg, keysAndValues)
}

func (z RetryableHTTPAdapter) Debug(msg string, keysAndValues ...interface{}) {
	z.event(Trace(), msg, keysAndValues)
}
