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

// ToolInvocationRecord is a single entry of a tool track, value-copied into
// a checkpoint's snapshot.
type ToolInvocationRecord struct {
	ToolName     string         `json:"tool_name"`
	Args         map[string]any `json:"args"`
	Result       any            `json:"result"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Checkpoint is a durable, value-copied snapshot of an inner session at an
// instant, plus a cursor into the tool track.
type Checkpoint struct {
	ID                 int64
	InnerSessionID     string
	Name               string
	StateSnapshot      map[string]any
	TranscriptSnapshot []TranscriptEntry
	ToolInvocations    []ToolInvocationRecord
	IsAuto             bool
	CreatedAt          time.Time
	UserID             *int64
	Metadata           map[string]any
}

// TrackPosition returns metadata.tool_track_position, or 0 if absent or
// malformed.
func (c *Checkpoint) TrackPosition() int {
	v, ok := c.Metadata["tool_track_position"]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Summary formats a checkpoint for display: name, kind, creation time, and
// message/tool-call counts.
func (c *Checkpoint) Summary() string {
	kind := "Manual"
	if c.IsAuto {
		kind = "Auto"
	}
	name := c.Name
	if name == "" {
		name = "Unnamed"
	}
	return fmt.Sprintf("%s (%s)\nCreated: %s\nMessages: %d, Tool calls: %d",
		name, kind, c.CreatedAt.Format("2006-01-02 15:04:05"),
		len(c.TranscriptSnapshot), len(c.ToolInvocations))
}

const checkpointSelectCols = `id, inner_session_id, name, state_json, transcript_json, tool_invocations_json, is_auto, created_at, user_id, metadata_json`

// CreateCheckpoint inserts a new checkpoint, assigning its id and defaulting
// created_at to now if zero.
func (s *Store) CreateCheckpoint(ctx context.Context, c *Checkpoint) (*Checkpoint, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	stateJSON, err := json.Marshal(c.StateSnapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal state snapshot: %w", err)
	}
	transcriptJSON, err := json.Marshal(c.TranscriptSnapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript snapshot: %w", err)
	}
	invocationsJSON, err := json.Marshal(c.ToolInvocations)
	if err != nil {
		return nil, fmt.Errorf("marshal tool invocations: %w", err)
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var name any
	if c.Name != "" {
		name = c.Name
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if s.dialect == "postgres" {
		row := tx.QueryRowContext(ctx, s.rewrite(
			`INSERT INTO checkpoints (inner_session_id, name, state_json, transcript_json, tool_invocations_json, is_auto, created_at, user_id, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			c.InnerSessionID, name, string(stateJSON), string(transcriptJSON), string(invocationsJSON), c.IsAuto,
			c.CreatedAt.Format(time.RFC3339Nano), c.UserID, string(metaJSON))
		if err := row.Scan(&id); err != nil {
			return nil, fmt.Errorf("insert checkpoint: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, s.rewrite(
			`INSERT INTO checkpoints (inner_session_id, name, state_json, transcript_json, tool_invocations_json, is_auto, created_at, user_id, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.InnerSessionID, name, string(stateJSON), string(transcriptJSON), string(invocationsJSON), c.IsAuto,
			c.CreatedAt.Format(time.RFC3339Nano), c.UserID, string(metaJSON))
		if err != nil {
			return nil, fmt.Errorf("insert checkpoint: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert checkpoint: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.rewrite(`UPDATE inner_sessions SET checkpoint_count = checkpoint_count + 1 WHERE id = ?`), c.InnerSessionID); err != nil {
		return nil, fmt.Errorf("increment checkpoint count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	c.ID = id
	return s.GetCheckpointByID(ctx, id)
}

func (s *Store) scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var (
		c               Checkpoint
		name            sql.NullString
		stateJSON       string
		transcriptJSON  string
		invocationsJSON string
		createdAt       string
		userID          sql.NullInt64
		metaJSON        string
	)
	if err := row.Scan(&c.ID, &c.InnerSessionID, &name, &stateJSON, &transcriptJSON, &invocationsJSON, &c.IsAuto, &createdAt, &userID, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	if name.Valid {
		c.Name = name.String
	}
	c.CreatedAt = parseTime(createdAt)
	if userID.Valid {
		v := userID.Int64
		c.UserID = &v
	}
	if err := json.Unmarshal([]byte(stateJSON), &c.StateSnapshot); err != nil {
		c.StateSnapshot = map[string]any{}
	}
	if err := json.Unmarshal([]byte(transcriptJSON), &c.TranscriptSnapshot); err != nil {
		c.TranscriptSnapshot = nil
	}
	if err := json.Unmarshal([]byte(invocationsJSON), &c.ToolInvocations); err != nil {
		c.ToolInvocations = nil
	}
	if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
		c.Metadata = map[string]any{}
	}

	return &c, nil
}

// GetCheckpointByID loads a checkpoint by id.
func (s *Store) GetCheckpointByID(ctx context.Context, id int64) (*Checkpoint, error) {
	row := s.queryRow(ctx, `SELECT `+checkpointSelectCols+` FROM checkpoints WHERE id = ?`, id)
	return s.scanCheckpoint(row)
}

// ListCheckpointsByInner lists checkpoints of an inner session, descending
// by created_at. If autoOnly is true, only auto-checkpoints are returned.
func (s *Store) ListCheckpointsByInner(ctx context.Context, innerID string, autoOnly bool) ([]*Checkpoint, error) {
	query := `SELECT ` + checkpointSelectCols + ` FROM checkpoints WHERE inner_session_id = ?`
	args := []any{innerID}
	if autoOnly {
		query += ` AND is_auto = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		c, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}

// LatestCheckpoint returns the most recently created checkpoint of an inner
// session.
func (s *Store) LatestCheckpoint(ctx context.Context, innerID string) (*Checkpoint, error) {
	row := s.queryRow(ctx, `SELECT `+checkpointSelectCols+` FROM checkpoints WHERE inner_session_id = ? ORDER BY created_at DESC LIMIT 1`, innerID)
	return s.scanCheckpoint(row)
}

// DeleteCheckpoint removes a checkpoint by id.
func (s *Store) DeleteCheckpoint(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// DeleteAutoKeepingLatest deletes all auto-checkpoints of an inner session
// except the k most recent by created_at. Manual checkpoints are untouched.
func (s *Store) DeleteAutoKeepingLatest(ctx context.Context, innerID string, k int) (int, error) {
	autos, err := s.ListCheckpointsByInner(ctx, innerID, true)
	if err != nil {
		return 0, err
	}
	if len(autos) <= k {
		return 0, nil
	}

	toDelete := autos[k:]
	deleted := 0
	for _, c := range toDelete {
		if err := s.DeleteCheckpoint(ctx, c.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// CheckpointCounts is the result of Count(inner_id).
type CheckpointCounts struct {
	Total  int
	Auto   int
	Manual int
}

// CountCheckpoints returns total/auto/manual checkpoint counts for an inner
// session.
func (s *Store) CountCheckpoints(ctx context.Context, innerID string) (CheckpointCounts, error) {
	var counts CheckpointCounts
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM checkpoints WHERE inner_session_id = ?`, innerID)
	if err := row.Scan(&counts.Total); err != nil {
		return counts, fmt.Errorf("count checkpoints: %w", err)
	}
	row = s.queryRow(ctx, `SELECT COUNT(*) FROM checkpoints WHERE inner_session_id = ? AND is_auto = ?`, innerID, true)
	if err := row.Scan(&counts.Auto); err != nil {
		return counts, fmt.Errorf("count auto checkpoints: %w", err)
	}
	counts.Manual = counts.Total - counts.Auto
	return counts, nil
}

// ListCheckpointsByUser lists checkpoints attributed to a user across all
// their inner sessions, newest first, optionally bounded by limit (0 means
// unbounded).
func (s *Store) ListCheckpointsByUser(ctx context.Context, userID int64, limit int) ([]*Checkpoint, error) {
	query := `SELECT ` + checkpointSelectCols + ` FROM checkpoints WHERE user_id = ? ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints by user: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		c, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}

// ListCheckpointsWithToolInvocations returns checkpoints of an inner session
// whose tool_invocations snapshot is non-empty.
func (s *Store) ListCheckpointsWithToolInvocations(ctx context.Context, innerID string) ([]*Checkpoint, error) {
	all, err := s.ListCheckpointsByInner(ctx, innerID, false)
	if err != nil {
		return nil, err
	}
	var withInvocations []*Checkpoint
	for _, c := range all {
		if len(c.ToolInvocations) > 0 {
			withInvocations = append(withInvocations, c)
		}
	}
	return withInvocations, nil
}

// UpdateCheckpointMetadata merges merge into a checkpoint's metadata map and
// persists it.
func (s *Store) UpdateCheckpointMetadata(ctx context.Context, id int64, merge map[string]any) error {
	c, err := s.GetCheckpointByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	for k, v := range merge {
		c.Metadata[k] = v
	}
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.exec(ctx, `UPDATE checkpoints SET metadata_json = ? WHERE id = ?`, string(metaJSON), id)
	if err != nil {
		return fmt.Errorf("update checkpoint metadata: %w", err)
	}
	return nil
}

// SearchCheckpoints returns checkpoints of an inner session whose name or
// serialized state/transcript blob contains term (case-insensitive LIKE).
func (s *Store) SearchCheckpoints(ctx context.Context, innerID, term string) ([]*Checkpoint, error) {
	like := "%" + term + "%"
	rows, err := s.query(ctx,
		`SELECT `+checkpointSelectCols+` FROM checkpoints
		 WHERE inner_session_id = ? AND (name LIKE ? OR state_json LIKE ? OR transcript_json LIKE ?)
		 ORDER BY created_at DESC`,
		innerID, like, like, like)
	if err != nil {
		return nil, fmt.Errorf("search checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		c, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}
