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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is the identity record described in the data model.
type User struct {
	ID             int64
	Username       string
	PasswordHash   string
	IsAdmin        bool
	CreatedAt      time.Time
	LastLogin      *time.Time
	APIKey         *string
	SessionLimit   int
	Preferences    map[string]any
	ActiveSessions []int64 // outer session ids, bounded by SessionLimit
}

// SaveUser inserts a new user (when ID == 0) or updates an existing one.
// On insert it assigns ID. Username uniqueness races surface as
// ErrUsernameTaken.
func (s *Store) SaveUser(ctx context.Context, u *User) (*User, error) {
	prefsJSON, err := json.Marshal(u.Preferences)
	if err != nil {
		return nil, fmt.Errorf("marshal preferences: %w", err)
	}

	var lastLogin any
	if u.LastLogin != nil {
		lastLogin = u.LastLogin.UTC().Format(time.RFC3339Nano)
	}

	if u.ID == 0 {
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
		if u.SessionLimit == 0 {
			u.SessionLimit = 5
		}

		var id int64
		if s.dialect == "postgres" {
			row := s.queryRow(ctx,
				`INSERT INTO users (username, password_hash, is_admin, created_at, last_login, preferences_json, api_key, session_limit)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
				u.Username, u.PasswordHash, u.IsAdmin, u.CreatedAt.Format(time.RFC3339Nano), lastLogin, string(prefsJSON), u.APIKey, u.SessionLimit)
			if err := row.Scan(&id); err != nil {
				if isUniqueViolation(err) {
					return nil, ErrUsernameTaken
				}
				return nil, fmt.Errorf("insert user: %w", err)
			}
		} else {
			res, err := s.exec(ctx,
				`INSERT INTO users (username, password_hash, is_admin, created_at, last_login, preferences_json, api_key, session_limit)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				u.Username, u.PasswordHash, u.IsAdmin, u.CreatedAt.Format(time.RFC3339Nano), lastLogin, string(prefsJSON), u.APIKey, u.SessionLimit)
			if err != nil {
				if isUniqueViolation(err) {
					return nil, ErrUsernameTaken
				}
				return nil, fmt.Errorf("insert user: %w", err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("insert user: %w", err)
			}
		}
		u.ID = id
		return u, nil
	}

	_, err = s.exec(ctx,
		`UPDATE users SET username = ?, password_hash = ?, is_admin = ?, last_login = ?, preferences_json = ?, api_key = ?, session_limit = ?
		 WHERE id = ?`,
		u.Username, u.PasswordHash, u.IsAdmin, lastLogin, string(prefsJSON), u.APIKey, u.SessionLimit, u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

const userSelectCols = `id, username, password_hash, is_admin, created_at, last_login, preferences_json, api_key, session_limit`

func (s *Store) scanUser(ctx context.Context, row interface{ Scan(...any) error }) (*User, error) {
	var (
		u            User
		createdAt    string
		lastLogin    sql.NullString
		prefsJSON    string
		apiKey       sql.NullString
		sessionLimit int
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &createdAt, &lastLogin, &prefsJSON, &apiKey, &sessionLimit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.CreatedAt = parseTime(createdAt)
	u.SessionLimit = sessionLimit
	if lastLogin.Valid {
		t := parseTime(lastLogin.String)
		u.LastLogin = &t
	}
	if apiKey.Valid {
		key := apiKey.String
		u.APIKey = &key
	}
	if err := json.Unmarshal([]byte(prefsJSON), &u.Preferences); err != nil {
		u.Preferences = map[string]any{}
	}

	sessions, err := s.listActiveSessionIDs(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.ActiveSessions = sessions

	return &u, nil
}

// FindUserByID looks up a user by id.
func (s *Store) FindUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userSelectCols+` FROM users WHERE id = ?`, id)
	return s.scanUser(ctx, row)
}

// FindUserByUsername looks up a user by username.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userSelectCols+` FROM users WHERE username = ?`, username)
	return s.scanUser(ctx, row)
}

// FindUserByAPIKey looks up a user by api key.
func (s *Store) FindUserByAPIKey(ctx context.Context, key string) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userSelectCols+` FROM users WHERE api_key = ?`, key)
	return s.scanUser(ctx, row)
}

// FindAllUsers returns every user, ordered by id.
func (s *Store) FindAllUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.query(ctx, `SELECT `+userSelectCols+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := s.scanUser(ctx, rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateLastLogin sets a user's last_login timestamp.
func (s *Store) UpdateLastLogin(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.exec(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, ts.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// UpdateAPIKey sets or clears (key == nil) a user's API key.
func (s *Store) UpdateAPIKey(ctx context.Context, id int64, key *string) error {
	_, err := s.exec(ctx, `UPDATE users SET api_key = ? WHERE id = ?`, key, id)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return nil
}

// DeleteUser removes a user record. Checkpoints the user owned are kept but
// have their user_id nulled out rather than being deleted or orphaned, per
// the ownership model: a checkpoint outlives the user who created it.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE checkpoints SET user_id = NULL WHERE user_id = ?`), id); err != nil {
		return fmt.Errorf("null out checkpoint ownership: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rewrite(`DELETE FROM users WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	return tx.Commit()
}

// listActiveSessionIDs returns the ids of outer sessions owned by the user
// that are currently marked active, bounded implicitly by SessionLimit
// through AddSession's enforcement.
func (s *Store) listActiveSessionIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.query(ctx, `SELECT id FROM outer_sessions WHERE user_id = ? AND is_active = ? ORDER BY id`, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
