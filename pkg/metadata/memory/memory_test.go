// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata/metadatatest"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Parallel()
	metadatatest.Run(t, New())
}

func TestStore_CopiesValues(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	rec := &types.Record{ID: "R1", FileName: "a"}
	require.NoError(t, s.PutRecord(ctx, rec))

	rec.FileName = "mutated"
	got, err := s.GetRecord(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.FileName)

	got.FileName = "also mutated"
	again, _ := s.GetRecord(ctx, "R1")
	assert.Equal(t, "a", again.FileName)
}
