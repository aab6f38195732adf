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
	"time"
)

// OuterSession is the user-visible conversation container: it owns a forest
// of inner sessions, at most one of which is current.
type OuterSession struct {
	ID                    int64
	UserID                int64
	Name                  string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	IsActive              bool
	InnerSessionIDs       []string
	CurrentInnerSessionID *string
	BranchCount           int
	TotalCheckpoints      int
	Metadata              map[string]any
}

const outerSessionSelectCols = `id, user_id, name, created_at, updated_at, is_active, current_inner_session_id, metadata_json`

// CreateOuterSession inserts a new outer session owned by userID.
func (s *Store) CreateOuterSession(ctx context.Context, userID int64, name string) (*OuterSession, error) {
	now := nowISO()
	metaJSON, err := json.Marshal(map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var id int64
	if s.dialect == "postgres" {
		row := s.queryRow(ctx,
			`INSERT INTO outer_sessions (user_id, name, created_at, updated_at, is_active, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
			userID, name, now, now, true, string(metaJSON))
		if err := row.Scan(&id); err != nil {
			return nil, fmt.Errorf("insert outer session: %w", err)
		}
	} else {
		res, err := s.exec(ctx,
			`INSERT INTO outer_sessions (user_id, name, created_at, updated_at, is_active, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			userID, name, now, now, true, string(metaJSON))
		if err != nil {
			return nil, fmt.Errorf("insert outer session: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert outer session: %w", err)
		}
	}

	return s.GetOuterSession(ctx, id)
}

func (s *Store) scanOuterSession(ctx context.Context, row interface{ Scan(...any) error }) (*OuterSession, error) {
	var (
		o         OuterSession
		createdAt string
		updatedAt string
		current   sql.NullString
		metaJSON  string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Name, &createdAt, &updatedAt, &o.IsActive, &current, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan outer session: %w", err)
	}

	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	if current.Valid {
		v := current.String
		o.CurrentInnerSessionID = &v
	}
	if err := json.Unmarshal([]byte(metaJSON), &o.Metadata); err != nil {
		o.Metadata = map[string]any{}
	}

	innerIDs, err := s.listInnerSessionIDs(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.InnerSessionIDs = innerIDs

	branches, total, err := s.outerSessionCounts(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.BranchCount = branches
	o.TotalCheckpoints = total

	return &o, nil
}

// GetOuterSession loads an outer session by id.
func (s *Store) GetOuterSession(ctx context.Context, id int64) (*OuterSession, error) {
	row := s.queryRow(ctx, `SELECT `+outerSessionSelectCols+` FROM outer_sessions WHERE id = ?`, id)
	return s.scanOuterSession(ctx, row)
}

// ListOuterSessionsByUser returns all outer sessions owned by userID, newest
// first.
func (s *Store) ListOuterSessionsByUser(ctx context.Context, userID int64) ([]*OuterSession, error) {
	rows, err := s.query(ctx, `SELECT `+outerSessionSelectCols+` FROM outer_sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list outer sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*OuterSession
	for rows.Next() {
		o, err := s.scanOuterSession(ctx, rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, o)
	}
	return sessions, rows.Err()
}

// AddInnerSession bumps the updated_at of outer session outerID. It writes
// no membership: an inner session belongs to the outer session named by its
// own outer_session_id, set when it is created, so repeated calls change
// nothing else, and a graphID under another outer session is not moved.
func (s *Store) AddInnerSession(ctx context.Context, outerID int64, graphID string) error {
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM inner_sessions WHERE id = ? AND outer_session_id = ?`, graphID, outerID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check inner session membership: %w", err)
	}

	_, err := s.exec(ctx, `UPDATE outer_sessions SET updated_at = ? WHERE id = ?`, nowISO(), outerID)
	if err != nil {
		return fmt.Errorf("touch outer session: %w", err)
	}
	return nil
}

// SetCurrentInner marks graphID as the current inner session of outerID,
// clearing the bit on all siblings. Returns false if the outer session does
// not own that inner session.
func (s *Store) SetCurrentInner(ctx context.Context, outerID int64, graphID string) (bool, error) {
	var owns int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM inner_sessions WHERE id = ? AND outer_session_id = ?`, graphID, outerID)
	if err := row.Scan(&owns); err != nil {
		return false, fmt.Errorf("check inner session ownership: %w", err)
	}
	if owns == 0 {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE inner_sessions SET is_current = ? WHERE outer_session_id = ?`), false, outerID); err != nil {
		return false, fmt.Errorf("clear current flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE inner_sessions SET is_current = ? WHERE id = ?`), true, graphID); err != nil {
		return false, fmt.Errorf("set current flag: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE outer_sessions SET current_inner_session_id = ?, updated_at = ? WHERE id = ?`), graphID, nowISO(), outerID); err != nil {
		return false, fmt.Errorf("update outer session pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// SetOuterSessionActive marks an outer session active or inactive,
// bumping updated_at. Used by pkg/auth to enforce per-user session caps.
func (s *Store) SetOuterSessionActive(ctx context.Context, id int64, active bool) error {
	_, err := s.exec(ctx, `UPDATE outer_sessions SET is_active = ?, updated_at = ? WHERE id = ?`, active, nowISO(), id)
	if err != nil {
		return fmt.Errorf("set outer session active: %w", err)
	}
	return nil
}

func (s *Store) listInnerSessionIDs(ctx context.Context, outerID int64) ([]string, error) {
	rows, err := s.query(ctx, `SELECT id FROM inner_sessions WHERE outer_session_id = ? ORDER BY created_at`, outerID)
	if err != nil {
		return nil, fmt.Errorf("list inner session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) outerSessionCounts(ctx context.Context, outerID int64) (branches, checkpoints int, err error) {
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM inner_sessions WHERE outer_session_id = ? AND parent_inner_session_id IS NOT NULL`, outerID)
	if err := row.Scan(&branches); err != nil {
		return 0, 0, fmt.Errorf("count branches: %w", err)
	}

	row = s.queryRow(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE inner_session_id IN (SELECT id FROM inner_sessions WHERE outer_session_id = ?)`,
		outerID)
	if err := row.Scan(&checkpoints); err != nil {
		return 0, 0, fmt.Errorf("count checkpoints: %w", err)
	}

	return branches, checkpoints, nil
}
