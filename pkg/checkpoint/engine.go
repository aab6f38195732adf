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

// Package checkpoint captures and retains whole-inner-session snapshots: a
// state map, a conversation transcript, and a tool-track cursor, taken on
// demand and after tool-using turns.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/chronoagent/chronoagent/pkg/store"
	"github.com/chronoagent/chronoagent/pkg/tooltrack"
)

// Engine snapshots and retains checkpoints for inner sessions, backed by a
// Store.
type Engine struct {
	store *store.Store
}

// New creates a checkpoint engine over the given store.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Snapshot copies state, transcript, and tool_invocations by value from the
// given inner session and registry, persists the checkpoint, and increments
// the inner session's checkpoint_count.
func (e *Engine) Snapshot(ctx context.Context, inner *store.InnerSession, registry *tooltrack.Registry, name string, isAuto bool, userID *int64) (*store.Checkpoint, error) {
	state := copyMap(inner.State)
	transcript := append([]store.TranscriptEntry(nil), inner.Transcript...)

	var invocations []store.ToolInvocationRecord
	position := 0
	if registry != nil {
		invocations = registry.Track()
		position = len(invocations)
	}

	c := &store.Checkpoint{
		InnerSessionID:     inner.ID,
		Name:               name,
		StateSnapshot:      state,
		TranscriptSnapshot: transcript,
		ToolInvocations:    invocations,
		IsAuto:             isAuto,
		UserID:             userID,
		Metadata:           map[string]any{"tool_track_position": position},
	}

	created, err := e.store.CreateCheckpoint(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: snapshot: %w", err)
	}
	return created, nil
}

// CleanupAuto deletes all auto-checkpoints of an inner session except the
// keepLatest most recent by created_at. Manual checkpoints are never
// cleaned. Returns the number deleted.
func (e *Engine) CleanupAuto(ctx context.Context, innerID string, keepLatest int) (int, error) {
	deleted, err := e.store.DeleteAutoKeepingLatest(ctx, innerID, keepLatest)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: cleanup: %w", err)
	}
	return deleted, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
