// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides durable persistence for users, outer sessions,
// inner sessions, and checkpoints over database/sql, with postgres, mysql,
// and sqlite dialects.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a single *sql.DB-backed implementation of the four-table schema
// described in the data model: users, outer_sessions, inner_sessions,
// checkpoints.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open wraps an existing *sql.DB with the given dialect ("postgres",
// "mysql", "sqlite", or "sqlite3") and runs schema initialization and
// migration.
func Open(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{db: db, dialect: dialect}

	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store: failed to migrate schema: %w", err)
	}
	if err := s.ensureRootUser(context.Background()); err != nil {
		return nil, fmt.Errorf("store: failed to bootstrap root user: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rewrite converts `?` placeholders to `$1, $2, ...` for postgres; other
// dialects use `?` natively.
func (s *Store) rewrite(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	return convertToPostgresPlaceholders(query)
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", paramNum)
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rewrite(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rewrite(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rewrite(query), args...)
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
