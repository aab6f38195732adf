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

// Package branch implements non-destructive rollback-by-branching: given a
// checkpoint, it creates a new inner session whose state and transcript are
// copied from that checkpoint, drives best-effort reverse execution of the
// tool track back to the checkpoint's cursor, and leaves the original
// timeline untouched.
package branch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chronoagent/chronoagent/pkg/store"
	"github.com/chronoagent/chronoagent/pkg/tooltrack"
)

// Engine creates rollback branches.
type Engine struct {
	store *store.Store
}

// New creates a branch engine over the given store.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Options configures RollbackTo.
type Options struct {
	// RollbackTools controls whether reverse handlers are invoked against
	// the live tool track. The zero value is false, which skips the reverse
	// walk; callers that want it must set the field to true.
	RollbackTools bool
}

// Result is the outcome of RollbackTo: the new branch and the per-record
// reverse-walk report (nil if RollbackTools was false or there was no live
// track).
type Result struct {
	Branch        *store.InnerSession
	ReverseResult []tooltrack.ReverseResult
}

// RollbackTo implements the 6-step algorithm of §4.4: load the checkpoint,
// best-effort reverse the live track back to its cursor, create a new
// branch inner session copied from the checkpoint, clone ancestor
// checkpoints into the branch, truncate the branch's track to the cursor,
// and mark the branch current under outerSessionID.
func (e *Engine) RollbackTo(ctx context.Context, checkpointID int64, outerSessionID int64, registry *tooltrack.Registry, opts Options) (*Result, error) {
	c, err := e.store.GetCheckpointByID(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("branch: load checkpoint: %w", err)
	}

	var reverseResults []tooltrack.ReverseResult
	if opts.RollbackTools && registry != nil {
		reverseResults = registry.RollbackFromTrackIndex(c.TrackPosition())
		for _, r := range reverseResults {
			if !r.OK {
				slog.Warn("branch: reverse handler did not succeed", "tool", r.Name, "error", r.Err)
			}
		}
	}

	branchName := c.Name
	if branchName == "" {
		branchName = fmt.Sprintf("Checkpoint %d", c.ID)
	}

	branch := &store.InnerSession{
		ID:                      newGraphSessionID(),
		OuterSessionID:          outerSessionID,
		State:                   copyMap(c.StateSnapshot),
		Transcript:              append([]store.TranscriptEntry(nil), c.TranscriptSnapshot...),
		IsCurrent:               true,
		ParentInnerSessionID:    &c.InnerSessionID,
		BranchPointCheckpointID: &c.ID,
		Metadata: map[string]any{
			"branched_from":     branchName,
			"branch_created_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	created, err := e.store.CreateInnerSession(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("branch: create branch session: %w", err)
	}

	if err := e.cloneAncestorCheckpoints(ctx, c, created.ID); err != nil {
		return nil, fmt.Errorf("branch: clone ancestor checkpoints: %w", err)
	}

	if registry != nil {
		if err := registry.Truncate(c.TrackPosition()); err != nil {
			return nil, fmt.Errorf("branch: truncate track: %w", err)
		}
	}

	if err := e.store.AddInnerSession(ctx, outerSessionID, created.ID); err != nil {
		return nil, fmt.Errorf("branch: register branch with outer session: %w", err)
	}

	return &Result{Branch: created, ReverseResult: reverseResults}, nil
}

// cloneAncestorCheckpoints value-copies every checkpoint of c's inner
// session created at or before c's own created_at into the new branch, so
// the branch has a self-contained snapshot history.
func (e *Engine) cloneAncestorCheckpoints(ctx context.Context, c *store.Checkpoint, branchID string) error {
	all, err := e.store.ListCheckpointsByInner(ctx, c.InnerSessionID, false)
	if err != nil {
		return err
	}

	for _, ancestor := range all {
		if ancestor.CreatedAt.After(c.CreatedAt) {
			continue
		}
		clone := &store.Checkpoint{
			InnerSessionID:     branchID,
			Name:               ancestor.Name,
			StateSnapshot:      copyMap(ancestor.StateSnapshot),
			TranscriptSnapshot: append([]store.TranscriptEntry(nil), ancestor.TranscriptSnapshot...),
			ToolInvocations:    append([]store.ToolInvocationRecord(nil), ancestor.ToolInvocations...),
			IsAuto:             ancestor.IsAuto,
			CreatedAt:          ancestor.CreatedAt,
			UserID:             ancestor.UserID,
			Metadata:           copyMap(ancestor.Metadata),
		}
		if _, err := e.store.CreateCheckpoint(ctx, clone); err != nil {
			return err
		}
	}
	return nil
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

func newGraphSessionID() string {
	return "langgraph_" + uuid.NewString()[:12]
}
