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

package store

import (
	"context"
	"fmt"
	"time"
)

const rootUsername = "rootusr"

// createUsersSchemaSQL creates the base users table. api_key and
// session_limit are added later via migrate(), matching the migration
// discipline described for the schema (never destructive, columns added
// as needed).
const createUsersSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username VARCHAR(30) NOT NULL UNIQUE,
    password_hash VARCHAR(255) NOT NULL,
    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
    created_at VARCHAR(40) NOT NULL,
    last_login VARCHAR(40),
    preferences_json TEXT NOT NULL DEFAULT '{}'
)`

const createUsersPostgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id SERIAL PRIMARY KEY,
    username VARCHAR(30) NOT NULL UNIQUE,
    password_hash VARCHAR(255) NOT NULL,
    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
    created_at VARCHAR(40) NOT NULL,
    last_login VARCHAR(40),
    preferences_json TEXT NOT NULL DEFAULT '{}'
)`

const createOuterSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS outer_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id),
    name VARCHAR(255) NOT NULL,
    created_at VARCHAR(40) NOT NULL,
    updated_at VARCHAR(40) NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    current_inner_session_id VARCHAR(64),
    metadata_json TEXT NOT NULL DEFAULT '{}'
)`

const createOuterSessionsPostgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS outer_sessions (
    id SERIAL PRIMARY KEY,
    user_id INTEGER NOT NULL REFERENCES users(id),
    name VARCHAR(255) NOT NULL,
    created_at VARCHAR(40) NOT NULL,
    updated_at VARCHAR(40) NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    current_inner_session_id VARCHAR(64),
    metadata_json TEXT NOT NULL DEFAULT '{}'
)`

const createOuterSessionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_outer_sessions_user ON outer_sessions(user_id)`

// inner_sessions.id is the stringly-typed graph_session_id itself
// (langgraph_<12hex>), since it is already unique and is the identifier UI
// layers address it by; "graph id" and "inner session id" are the same
// string in this schema.
const createInnerSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS inner_sessions (
    id VARCHAR(64) PRIMARY KEY,
    outer_session_id INTEGER NOT NULL REFERENCES outer_sessions(id),
    state_json TEXT NOT NULL DEFAULT '{}',
    transcript_json TEXT NOT NULL DEFAULT '[]',
    created_at VARCHAR(40) NOT NULL,
    is_current BOOLEAN NOT NULL DEFAULT FALSE,
    checkpoint_count INTEGER NOT NULL DEFAULT 0,
    parent_inner_session_id VARCHAR(64) REFERENCES inner_sessions(id),
    branch_point_checkpoint_id INTEGER,
    tool_invocation_count INTEGER NOT NULL DEFAULT 0,
    metadata_json TEXT NOT NULL DEFAULT '{}'
)`

const createInnerSessionsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_inner_sessions_outer ON inner_sessions(outer_session_id)`

const createInnerSessionsParentIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_inner_sessions_parent ON inner_sessions(parent_inner_session_id)`

const createInnerSessionsCreatedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_inner_sessions_created_at ON inner_sessions(outer_session_id, created_at)`

const createCheckpointsSchemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    inner_session_id VARCHAR(64) NOT NULL REFERENCES inner_sessions(id),
    name VARCHAR(255),
    state_json TEXT NOT NULL,
    transcript_json TEXT NOT NULL,
    tool_invocations_json TEXT NOT NULL,
    is_auto BOOLEAN NOT NULL DEFAULT FALSE,
    created_at VARCHAR(40) NOT NULL,
    user_id INTEGER REFERENCES users(id),
    metadata_json TEXT NOT NULL DEFAULT '{}'
)`

const createCheckpointsPostgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id SERIAL PRIMARY KEY,
    inner_session_id VARCHAR(64) NOT NULL REFERENCES inner_sessions(id),
    name VARCHAR(255),
    state_json TEXT NOT NULL,
    transcript_json TEXT NOT NULL,
    tool_invocations_json TEXT NOT NULL,
    is_auto BOOLEAN NOT NULL DEFAULT FALSE,
    created_at VARCHAR(40) NOT NULL,
    user_id INTEGER REFERENCES users(id),
    metadata_json TEXT NOT NULL DEFAULT '{}'
)`

const createCheckpointsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_inner ON checkpoints(inner_session_id)`

const createCheckpointsCreatedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(inner_session_id, created_at DESC)`

const createCheckpointsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_user ON checkpoints(user_id)`

// initSchema creates all four tables if they do not already exist.
// Statements run individually (not batched) for SQLite compatibility,
// matching the teacher's session store.
func (s *Store) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	usersSQL := createUsersSchemaSQL
	outerSQL := createOuterSessionsSchemaSQL
	checkpointsSQL := createCheckpointsSchemaSQL
	if s.dialect == "postgres" {
		usersSQL = createUsersPostgresSchemaSQL
		outerSQL = createOuterSessionsPostgresSchemaSQL
		checkpointsSQL = createCheckpointsPostgresSchemaSQL
	}

	statements := []string{
		usersSQL,
		outerSQL,
		createOuterSessionsIndexSQL,
		createInnerSessionsSchemaSQL,
		createInnerSessionsIndexSQL,
		createInnerSessionsParentIndexSQL,
		createInnerSessionsCreatedAtIndexSQL,
		checkpointsSQL,
		createCheckpointsIndexSQL,
		createCheckpointsCreatedAtIndexSQL,
		createCheckpointsUserIndexSQL,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// migrate probes for columns that later revisions of the schema introduced
// and adds them if missing. Never destructive: only ADD COLUMN, never DROP
// or ALTER TYPE.
func (s *Store) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	type column struct {
		table, name, ddl string
	}
	columns := []column{
		{"users", "api_key", "ALTER TABLE users ADD COLUMN api_key VARCHAR(64)"},
		{"users", "session_limit", "ALTER TABLE users ADD COLUMN session_limit INTEGER NOT NULL DEFAULT 5"},
	}

	for _, c := range columns {
		exists, err := s.columnExists(ctx, c.table, c.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", c.table, c.name, err)
		}
	}

	return nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	switch s.dialect {
	case "sqlite":
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return false, err
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt any
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				return false, err
			}
			if name == column {
				return true, nil
			}
		}
		return false, rows.Err()
	default:
		var count int
		row := s.db.QueryRowContext(ctx, s.rewrite(
			`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?`),
			table, column)
		if err := row.Scan(&count); err != nil {
			return false, err
		}
		return count > 0, nil
	}
}

// ensureRootUser creates the built-in rootusr admin account on first schema
// init, with password "1234". It is idempotent: a second call is a no-op
// because it looks the account up first and returns if it exists.
func (s *Store) ensureRootUser(ctx context.Context) error {
	_, err := s.FindUserByUsername(ctx, rootUsername)
	if err == nil {
		return nil
	}
	if err != ErrNotFound {
		return err
	}

	hash, err := HashPassword("1234")
	if err != nil {
		return err
	}

	root := &User{
		Username:     rootUsername,
		PasswordHash: hash,
		IsAdmin:      true,
		SessionLimit: 5,
		Preferences:  map[string]any{},
	}
	_, err = s.SaveUser(ctx, root)
	return err
}
