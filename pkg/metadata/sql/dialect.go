// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package sql is the database/sql metadata store shared by the PostgreSQL
// and SQLite drivers. Queries are written with PostgreSQL placeholders and
// rebound per dialect.
package sql

import (
	"strings"
)

// Dialect abstracts the SQL differences between the supported databases
type Dialect interface {
	// Name returns the dialect name
	Name() string
	// Rebind converts $1, $2, ... placeholders to the dialect's form
	Rebind(query string) string
	// MaxOpenConns caps the pool, 0 means no dialect limit
	MaxOpenConns() int
}

// ============================================================================
// PostgreSQL Dialect
// ============================================================================

// PostgresDialect implements Dialect for PostgreSQL (and CockroachDB)
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (PostgresDialect) Name() string { return "postgres" }
func (PostgresDialect) Rebind(query string) string { return query }
func (PostgresDialect) MaxOpenConns() int { return 0 }

// ============================================================================
// SQLite Dialect
// ============================================================================

// SQLiteDialect implements Dialect for SQLite. Writers are serialized through
// a single connection.
type SQLiteDialect struct{}

var _ Dialect = SQLiteDialect{}

func (SQLiteDialect) Name() string { return "sqlite" }
func (SQLiteDialect) MaxOpenConns() int { return 1 }

// Rebind replaces $N placeholders with ?. Queries must use each placeholder
// once and in order.
func (SQLiteDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
