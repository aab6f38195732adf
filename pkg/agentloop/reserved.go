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

package agentloop

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chronoagent/chronoagent/pkg/model"
	"github.com/chronoagent/chronoagent/pkg/store"
	"github.com/chronoagent/chronoagent/pkg/tooltrack"
)

// reservedToolDefinitions describes the six checkpoint-management tools
// exposed to the model in every agent (§6). They carry no Reverse handler:
// tooltrack.ReservedNames excludes them from reverse walks unconditionally.
var reservedToolDefinitions = []model.ToolDefinition{
	{
		Name:        "create_checkpoint",
		Description: "Create a manual checkpoint of the current conversation and state.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
	},
	{
		Name:        "list_checkpoints",
		Description: "List the checkpoints available in the current session.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "rollback_to_checkpoint",
		Description: "Roll back to a prior checkpoint by id or name, branching a new timeline from it.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id_or_name": map[string]any{"type": "string"}},
			"required":   []any{"id_or_name"},
		},
	},
	{
		Name:        "delete_checkpoint",
		Description: "Delete a checkpoint belonging to the current session by id.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "integer"}},
			"required":   []any{"id"},
		},
	},
	{
		Name:        "get_checkpoint_info",
		Description: "Show detailed information about one checkpoint by id.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "integer"}},
			"required":   []any{"id"},
		},
	},
	{
		Name:        "cleanup_auto_checkpoints",
		Description: "Delete all but the most recent N automatic checkpoints.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"keep_latest": map[string]any{"type": "integer"}},
		},
	},
}

func (l *Loop) registerReservedTools() {
	l.registry.Register(tooltrack.ToolSpec{Name: "create_checkpoint", Forward: l.forwardCreateCheckpoint})
	l.registry.Register(tooltrack.ToolSpec{Name: "list_checkpoints", Forward: l.forwardListCheckpoints})
	l.registry.Register(tooltrack.ToolSpec{Name: "rollback_to_checkpoint", Forward: l.forwardRollbackToCheckpoint})
	l.registry.Register(tooltrack.ToolSpec{Name: "delete_checkpoint", Forward: l.forwardDeleteCheckpoint})
	l.registry.Register(tooltrack.ToolSpec{Name: "get_checkpoint_info", Forward: l.forwardGetCheckpointInfo})
	l.registry.Register(tooltrack.ToolSpec{Name: "cleanup_auto_checkpoints", Forward: l.forwardCleanupAutoCheckpoints})
}

func (l *Loop) forwardCreateCheckpoint(args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	c, err := l.checkpoints.Snapshot(l.currentCtx, l.inner, l.registry, name, false, l.userID)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Created checkpoint #%d", c.ID), nil
}

func (l *Loop) forwardListCheckpoints(args map[string]any) (any, error) {
	checkpoints, err := l.store.ListCheckpointsByInner(l.currentCtx, l.inner.ID, false)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return "No checkpoints yet.", nil
	}
	var b strings.Builder
	for _, c := range checkpoints {
		kind := "manual"
		if c.IsAuto {
			kind = "auto"
		}
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("Checkpoint %d", c.ID)
		}
		fmt.Fprintf(&b, "#%d %s (%s) at %s\n", c.ID, name, kind, c.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return b.String(), nil
}

func (l *Loop) forwardRollbackToCheckpoint(args map[string]any) (any, error) {
	idOrName, _ := args["id_or_name"].(string)
	c, err := l.resolveCheckpoint(idOrName)
	if err != nil {
		return nil, err
	}

	l.inner.State["rollback_requested"] = true
	l.inner.State["rollback_checkpoint_id"] = c.ID
	if _, err := l.store.UpdateInnerSession(l.currentCtx, l.inner); err != nil {
		return nil, fmt.Errorf("persist rollback request: %w", err)
	}

	name := c.Name
	if name == "" {
		name = fmt.Sprintf("checkpoint %d", c.ID)
	}
	return fmt.Sprintf("Rolling back to %s. A new branch will start from this point.", name), nil
}

// resolveCheckpoint resolves id_or_name by numeric id first, else a
// case-insensitive name match within the current inner session.
func (l *Loop) resolveCheckpoint(idOrName string) (*store.Checkpoint, error) {
	if id, err := strconv.ParseInt(idOrName, 10, 64); err == nil {
		return l.store.GetCheckpointByID(l.currentCtx, id)
	}

	checkpoints, err := l.store.ListCheckpointsByInner(l.currentCtx, l.inner.ID, false)
	if err != nil {
		return nil, err
	}
	for _, c := range checkpoints {
		if strings.EqualFold(c.Name, idOrName) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no checkpoint found matching %q", idOrName)
}

func (l *Loop) forwardDeleteCheckpoint(args map[string]any) (any, error) {
	id, err := parseID(args["id"])
	if err != nil {
		return nil, err
	}
	c, err := l.store.GetCheckpointByID(l.currentCtx, id)
	if err != nil {
		return nil, err
	}
	if c.InnerSessionID != l.inner.ID {
		return nil, fmt.Errorf("checkpoint %d does not belong to the current session", id)
	}
	if err := l.store.DeleteCheckpoint(l.currentCtx, id); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Deleted checkpoint #%d", id), nil
}

func (l *Loop) forwardGetCheckpointInfo(args map[string]any) (any, error) {
	id, err := parseID(args["id"])
	if err != nil {
		return nil, err
	}
	c, err := l.store.GetCheckpointByID(l.currentCtx, id)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("#%d %s\nTool track position: %d", c.ID, c.Summary(), c.TrackPosition()), nil
}

func (l *Loop) forwardCleanupAutoCheckpoints(args map[string]any) (any, error) {
	keep := 5
	if k, ok := asInt(args["keep_latest"]); ok {
		keep = k
	}
	deleted, err := l.checkpoints.CleanupAuto(l.currentCtx, l.inner.ID, keep)
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func parseID(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid checkpoint id %q", n)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("missing checkpoint id")
	}
}
