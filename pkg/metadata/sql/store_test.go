// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata"
	"github.com/LeeDigitalWorks/zapoffload/pkg/metadata/metadatatest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(Config{DSN: "file:" + filepath.Join(t.TempDir(), "meta.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	metadatatest.Run(t, openSQLite(t))
}

// TestPostgresStore runs against a real server when ZAPOFFLOAD_TEST_POSTGRES_DSN is set
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ZAPOFFLOAD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ZAPOFFLOAD_TEST_POSTGRES_DSN not set")
	}
	s, err := OpenPostgres(Config{DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.DB().ExecContext(ctx, `DELETE FROM records`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `DELETE FROM storage_profiles`)
	require.NoError(t, err)

	metadatatest.Run(t, s)
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()

	s := openSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	migrations, err := LoadMigrations()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), n)
}

func TestLoadMigrations(t *testing.T) {
	t.Parallel()

	migrations, err := LoadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "create_records", migrations[0].Name)
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()

	got := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- note\nCREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, got)
}

func TestSQLiteDialect_Rebind(t *testing.T) {
	t.Parallel()

	d := SQLiteDialect{}
	assert.Equal(t, "SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?", d.Rebind("SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $10"))
	assert.Equal(t, "SELECT '$' FROM t", d.Rebind("SELECT '$' FROM t"))
	assert.Equal(t, "x = $1", PostgresDialect{}.Rebind("x = $1"))
}

func TestWhereClause(t *testing.T) {
	t.Parallel()

	where, args := whereClause(metadata.RecordFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = whereClause(metadata.RecordFilter{ProfileID: "P1", RemoteKey: "k", ExcludeID: "R1"})
	assert.Equal(t, " WHERE profile_id = $1 AND remote_key = $2 AND id <> $3", where)
	assert.Equal(t, []any{"P1", "k", "R1"}, args)
}
