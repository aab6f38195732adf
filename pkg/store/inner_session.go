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

// TranscriptEntry is one turn in an inner session's conversation record.
type TranscriptEntry struct {
	Role       string `json:"role"` // user, assistant, system
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	TurnNumber *int   `json:"turn_number,omitempty"`
}

// InnerSession is a single execution timeline within an outer session.
type InnerSession struct {
	ID                      string // graph_session_id, e.g. langgraph_<12hex>
	OuterSessionID          int64
	State                   map[string]any
	Transcript              []TranscriptEntry
	CreatedAt               time.Time
	IsCurrent               bool
	CheckpointCount         int
	ParentInnerSessionID    *string
	BranchPointCheckpointID *int64
	ToolInvocationCount     int
	Metadata                map[string]any
}

// IsBranch reports whether this session was created by a rollback branch.
func (i *InnerSession) IsBranch() bool {
	return i.ParentInnerSessionID != nil
}

const innerSessionSelectCols = `id, outer_session_id, state_json, transcript_json, created_at, is_current, checkpoint_count, parent_inner_session_id, branch_point_checkpoint_id, tool_invocation_count, metadata_json`

// CreateInnerSession inserts a new inner session. If isCurrent is true, it
// atomically clears is_current on all siblings first.
func (s *Store) CreateInnerSession(ctx context.Context, sess *InnerSession) (*InnerSession, error) {
	stateJSON, err := json.Marshal(sess.State)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	transcriptJSON, err := json.Marshal(sess.Transcript)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if sess.IsCurrent {
		if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE inner_sessions SET is_current = ? WHERE outer_session_id = ?`), false, sess.OuterSessionID); err != nil {
			return nil, fmt.Errorf("clear sibling current flags: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.rewrite(
		`INSERT INTO inner_sessions (id, outer_session_id, state_json, transcript_json, created_at, is_current, checkpoint_count, parent_inner_session_id, branch_point_checkpoint_id, tool_invocation_count, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.OuterSessionID, string(stateJSON), string(transcriptJSON), sess.CreatedAt.Format(time.RFC3339Nano),
		sess.IsCurrent, sess.CheckpointCount, sess.ParentInnerSessionID, sess.BranchPointCheckpointID, sess.ToolInvocationCount, string(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("insert inner session: %w", err)
	}

	if sess.IsCurrent {
		if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE outer_sessions SET current_inner_session_id = ?, updated_at = ? WHERE id = ?`),
			sess.ID, nowISO(), sess.OuterSessionID); err != nil {
			return nil, fmt.Errorf("update outer session pointer: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE outer_sessions SET updated_at = ? WHERE id = ?`), nowISO(), sess.OuterSessionID); err != nil {
			return nil, fmt.Errorf("touch outer session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetInnerSessionByID(ctx, sess.ID)
}

// UpdateInnerSession persists state/transcript/current-bit changes for an
// existing inner session, observing the same current-bit discipline as
// CreateInnerSession.
func (s *Store) UpdateInnerSession(ctx context.Context, sess *InnerSession) (*InnerSession, error) {
	stateJSON, err := json.Marshal(sess.State)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	transcriptJSON, err := json.Marshal(sess.Transcript)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if sess.IsCurrent {
		if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE inner_sessions SET is_current = ? WHERE outer_session_id = ? AND id != ?`),
			false, sess.OuterSessionID, sess.ID); err != nil {
			return nil, fmt.Errorf("clear sibling current flags: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.rewrite(
		`UPDATE inner_sessions SET state_json = ?, transcript_json = ?, is_current = ?, checkpoint_count = ?, tool_invocation_count = ?, metadata_json = ?
		 WHERE id = ?`),
		string(stateJSON), string(transcriptJSON), sess.IsCurrent, sess.CheckpointCount, sess.ToolInvocationCount, string(metaJSON), sess.ID)
	if err != nil {
		return nil, fmt.Errorf("update inner session: %w", err)
	}

	if sess.IsCurrent {
		if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE outer_sessions SET current_inner_session_id = ?, updated_at = ? WHERE id = ?`),
			sess.ID, nowISO(), sess.OuterSessionID); err != nil {
			return nil, fmt.Errorf("update outer session pointer: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE outer_sessions SET updated_at = ? WHERE id = ?`), nowISO(), sess.OuterSessionID); err != nil {
			return nil, fmt.Errorf("touch outer session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return s.GetInnerSessionByID(ctx, sess.ID)
}

func (s *Store) scanInnerSession(row interface{ Scan(...any) error }) (*InnerSession, error) {
	var (
		sess           InnerSession
		stateJSON      string
		transcriptJSON string
		createdAt      string
		parentID       sql.NullString
		branchPointID  sql.NullInt64
		metaJSON       string
	)
	if err := row.Scan(&sess.ID, &sess.OuterSessionID, &stateJSON, &transcriptJSON, &createdAt, &sess.IsCurrent,
		&sess.CheckpointCount, &parentID, &branchPointID, &sess.ToolInvocationCount, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan inner session: %w", err)
	}

	sess.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
		sess.State = map[string]any{}
	}
	if err := json.Unmarshal([]byte(transcriptJSON), &sess.Transcript); err != nil {
		sess.Transcript = nil
	}
	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		sess.Metadata = map[string]any{}
	}
	if parentID.Valid {
		v := parentID.String
		sess.ParentInnerSessionID = &v
	}
	if branchPointID.Valid {
		v := branchPointID.Int64
		sess.BranchPointCheckpointID = &v
	}

	return &sess, nil
}

// GetInnerSessionByID loads an inner session by its graph session id.
func (s *Store) GetInnerSessionByID(ctx context.Context, id string) (*InnerSession, error) {
	row := s.queryRow(ctx, `SELECT `+innerSessionSelectCols+` FROM inner_sessions WHERE id = ?`, id)
	return s.scanInnerSession(row)
}

// GetInnerSessionByGraphID is an alias for GetInnerSessionByID: in this
// schema the inner session's primary key is already the graph session id.
func (s *Store) GetInnerSessionByGraphID(ctx context.Context, graphID string) (*InnerSession, error) {
	return s.GetInnerSessionByID(ctx, graphID)
}

// ListInnerSessionsByOuter returns every inner session under an outer
// session, oldest first.
func (s *Store) ListInnerSessionsByOuter(ctx context.Context, outerID int64) ([]*InnerSession, error) {
	rows, err := s.query(ctx, `SELECT `+innerSessionSelectCols+` FROM inner_sessions WHERE outer_session_id = ? ORDER BY created_at`, outerID)
	if err != nil {
		return nil, fmt.Errorf("list inner sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*InnerSession
	for rows.Next() {
		sess, err := s.scanInnerSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CurrentInnerSession returns the inner session marked current under an
// outer session, or ErrNotFound if none is.
func (s *Store) CurrentInnerSession(ctx context.Context, outerID int64) (*InnerSession, error) {
	row := s.queryRow(ctx, `SELECT `+innerSessionSelectCols+` FROM inner_sessions WHERE outer_session_id = ? AND is_current = ?`, outerID, true)
	return s.scanInnerSession(row)
}

// SetCurrentInnerSession marks id current within its outer session, clearing
// the bit on all siblings.
func (s *Store) SetCurrentInnerSession(ctx context.Context, id string) error {
	sess, err := s.GetInnerSessionByID(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.SetCurrentInner(ctx, sess.OuterSessionID, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteInnerSession removes an inner session and its checkpoints. The
// checkpoints are deleted explicitly first; the schema declares no ON
// DELETE CASCADE.
func (s *Store) DeleteInnerSession(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `DELETE FROM checkpoints WHERE inner_session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	_, err = s.exec(ctx, `DELETE FROM inner_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete inner session: %w", err)
	}
	return nil
}

// IncrementToolCount bumps an inner session's tool_invocation_count by n.
func (s *Store) IncrementToolCount(ctx context.Context, id string, n int) error {
	_, err := s.exec(ctx, `UPDATE inner_sessions SET tool_invocation_count = tool_invocation_count + ? WHERE id = ?`, n, id)
	if err != nil {
		return fmt.Errorf("increment tool count: %w", err)
	}
	return nil
}

// ListBranchesOf returns every inner session whose parent is parentID.
func (s *Store) ListBranchesOf(ctx context.Context, parentID string) ([]*InnerSession, error) {
	rows, err := s.query(ctx, `SELECT `+innerSessionSelectCols+` FROM inner_sessions WHERE parent_inner_session_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var branches []*InnerSession
	for rows.Next() {
		sess, err := s.scanInnerSession(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, sess)
	}
	return branches, rows.Err()
}

// Lineage returns the root-to-node path of inner sessions ending at id.
func (s *Store) Lineage(ctx context.Context, id string) ([]*InnerSession, error) {
	var path []*InnerSession
	cursor := id
	for cursor != "" {
		sess, err := s.GetInnerSessionByID(ctx, cursor)
		if err != nil {
			return nil, err
		}
		path = append([]*InnerSession{sess}, path...)
		if sess.ParentInnerSessionID == nil {
			break
		}
		cursor = *sess.ParentInnerSessionID
	}
	return path, nil
}

// BranchTreeNode is one node of a BranchTree result.
type BranchTreeNode struct {
	Session  *InnerSession
	Children []*BranchTreeNode
}

// BranchTree returns the roots (inner sessions with no parent) of an outer
// session's forest, each carrying its descendant branches.
func (s *Store) BranchTree(ctx context.Context, outerID int64) ([]*BranchTreeNode, error) {
	sessions, err := s.ListInnerSessionsByOuter(ctx, outerID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*BranchTreeNode, len(sessions))
	for _, sess := range sessions {
		nodes[sess.ID] = &BranchTreeNode{Session: sess}
	}

	var roots []*BranchTreeNode
	for _, sess := range sessions {
		node := nodes[sess.ID]
		if sess.ParentInnerSessionID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*sess.ParentInnerSessionID]
		if !ok {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	return roots, nil
}
