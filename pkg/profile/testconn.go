// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LeeDigitalWorks/zapoffload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"
)

// TestResult is the operator-facing outcome of a connection test
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

var kindTitles = map[types.BackendKind]string{
	types.KindAWSS3:        "AWS S3",
	types.KindS3Compatible: "S3 compatible storage",
	types.KindGoogleDrive:  "Google Drive",
	types.KindOneDrive:     "OneDrive",
	types.KindDropbox:      "Dropbox",
}

func kindTitle(k types.BackendKind) string {
	if t, ok := kindTitles[k]; ok {
		return t
	}
	return string(k)
}

// TestConnection checks p without saving it. p may be a stored profile or raw
// parameters; secrets come from p.Secrets first, then from the secret store
// when p.ID names a stored profile.
func (m *Manager) TestConnection(ctx context.Context, p *types.StorageProfile) TestResult {
	if p == nil {
		return TestResult{Message: "No connection data provided"}
	}
	if !backend.Registered(p.Kind) {
		return TestResult{Message: fmt.Sprintf("Unknown storage type: %q", p.Kind)}
	}

	sec, err := m.mergedSecrets(ctx, p)
	if err != nil {
		return TestResult{Message: fmt.Sprintf("Error testing connection: %v", err)}
	}
	if missing := p.MissingFields(sec); len(missing) > 0 {
		return TestResult{Message: "Missing required fields: " + strings.Join(missing, ", ")}
	}

	ctx, cancel := context.WithTimeout(ctx, m.testTimeout)
	defer cancel()

	conn, err := m.conns.Build(p.ConnectionConfig(sec))
	if err != nil {
		return TestResult{Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer conn.Close()

	_, err = conn.ValidateContainer(ctx, "")
	title := kindTitle(p.Kind)
	switch {
	case err == nil && p.Kind.IsS3Family():
		return TestResult{Success: true, Message: fmt.Sprintf("Successfully connected to %s. Bucket '%s' exists.", title, p.Container())}
	case err == nil:
		return TestResult{Success: true, Message: fmt.Sprintf("Successfully connected to %s and verified folder access", title)}
	case errors.Is(err, types.ErrNotFound) && p.Kind.IsS3Family():
		return TestResult{Message: fmt.Sprintf("Connection successful, but bucket '%s' not found.", p.Container())}
	case errors.Is(err, types.ErrNotFound):
		return TestResult{Message: fmt.Sprintf("Connected to %s but folder not found or not accessible", title)}
	default:
		return TestResult{Message: fmt.Sprintf("Connection failed: %v", err)}
	}
}
