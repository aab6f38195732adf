package branch

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/chronoagent/chronoagent/pkg/checkpoint"
	"github.com/chronoagent/chronoagent/pkg/store"
	"github.com/chronoagent/chronoagent/pkg/tooltrack"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.Open(db, "sqlite")
	require.NoError(t, err)
	return s
}

// TestRollbackTo_BranchesAndPreservesOldTimeline covers scenario 3 of §8:
// reverse handlers run in order, X is restored, a new branch exists with
// the right parent pointers, and the original session + its checkpoints
// survive untouched.
func TestRollbackTo_BranchesAndPreservesOldTimeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, _ := store.HashPassword("hunter22")
	u, err := s.SaveUser(ctx, &store.User{Username: "alice", PasswordHash: hash, SessionLimit: 5, Preferences: map[string]any{}})
	require.NoError(t, err)
	outer, err := s.CreateOuterSession(ctx, u.ID, "chat")
	require.NoError(t, err)
	inner, err := s.CreateInnerSession(ctx, &store.InnerSession{
		ID: "langgraph_iiiiiiiiiiii", OuterSessionID: outer.ID, State: map[string]any{"x": 0}, IsCurrent: true, Metadata: map[string]any{},
	})
	require.NoError(t, err)

	var x int
	registry := tooltrack.New()
	registry.Register(tooltrack.ToolSpec{
		Name: "set_x",
		Forward: func(args map[string]any) (any, error) {
			prior := x
			x = int(args["v"].(float64))
			return prior, nil
		},
		Reverse: func(args map[string]any, priorResult any) error {
			x = priorResult.(int)
			return nil
		},
	})

	spec, _ := registry.Lookup("set_x")
	r1, _ := spec.Forward(map[string]any{"v": float64(1)})
	registry.Record("set_x", map[string]any{"v": float64(1)}, r1, true, "")
	r2, _ := spec.Forward(map[string]any{"v": float64(2)})
	registry.Record("set_x", map[string]any{"v": float64(2)}, r2, true, "")
	require.Equal(t, 2, x)

	engine := checkpoint.New(s)
	inner.State["x"] = 2
	c, err := engine.Snapshot(ctx, inner, registry, "After set_x", true, nil)
	require.NoError(t, err)

	be := New(s)
	result, err := be.RollbackTo(ctx, c.ID, outer.ID, registry, Options{RollbackTools: true})
	require.NoError(t, err)

	require.Equal(t, 0, x, "reverse handlers restore X to its pre-turn value")
	require.Len(t, result.ReverseResult, 2)
	require.Equal(t, "set_x", result.ReverseResult[0].Name, "walked in reverse: set_x(2) undone before set_x(1)")

	require.Equal(t, inner.ID, *result.Branch.ParentInnerSessionID)
	require.Equal(t, c.ID, *result.Branch.BranchPointCheckpointID)
	require.True(t, result.Branch.CreatedAt.After(c.CreatedAt))

	original, err := s.GetInnerSessionByID(ctx, inner.ID)
	require.NoError(t, err)
	require.False(t, original.IsCurrent, "branching makes siblings non-current")
	originalCheckpoints, err := s.ListCheckpointsByInner(ctx, inner.ID, false)
	require.NoError(t, err)
	require.Len(t, originalCheckpoints, 1, "old timeline's checkpoints are untouched")

	refreshedOuter, err := s.GetOuterSession(ctx, outer.ID)
	require.NoError(t, err)
	require.Equal(t, result.Branch.ID, *refreshedOuter.CurrentInnerSessionID)
}

func TestRollbackTo_ReservedToolExcludedFromReverseAndSurvives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, _ := store.HashPassword("hunter22")
	u, err := s.SaveUser(ctx, &store.User{Username: "alice", PasswordHash: hash, SessionLimit: 5, Preferences: map[string]any{}})
	require.NoError(t, err)
	outer, err := s.CreateOuterSession(ctx, u.ID, "chat")
	require.NoError(t, err)
	inner, err := s.CreateInnerSession(ctx, &store.InnerSession{
		ID: "langgraph_jjjjjjjjjjjj", OuterSessionID: outer.ID, State: map[string]any{}, IsCurrent: true, Metadata: map[string]any{},
	})
	require.NoError(t, err)

	registry := tooltrack.New()
	registry.Register(tooltrack.ToolSpec{
		Name:    "set_x",
		Forward: func(args map[string]any) (any, error) { return nil, nil },
		Reverse: func(args map[string]any, priorResult any) error { return nil },
	})
	registry.Record("set_x", nil, nil, true, "")

	engine := checkpoint.New(s)
	autoCkpt, err := engine.Snapshot(ctx, inner, registry, "After set_x", true, nil)
	require.NoError(t, err)

	manual, err := s.CreateCheckpoint(ctx, &store.Checkpoint{
		InnerSessionID: inner.ID,
		Name:           "manual",
		StateSnapshot:  map[string]any{},
		Metadata:       map[string]any{"tool_track_position": 1},
	})
	require.NoError(t, err)
	registry.Record("create_checkpoint", map[string]any{"name": "manual"}, fmt.Sprintf("checkpoint %d", manual.ID), true, "")

	be := New(s)
	_, err = be.RollbackTo(ctx, autoCkpt.ID, outer.ID, registry, Options{RollbackTools: true})
	require.NoError(t, err)

	stillThere, err := s.GetCheckpointByID(ctx, manual.ID)
	require.NoError(t, err)
	require.Equal(t, "manual", stillThere.Name, "manual checkpoint persists across rollback")
}

func TestRollbackTo_ClonesOnlyAncestorCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, _ := store.HashPassword("hunter22")
	u, err := s.SaveUser(ctx, &store.User{Username: "alice", PasswordHash: hash, SessionLimit: 5, Preferences: map[string]any{}})
	require.NoError(t, err)
	outer, err := s.CreateOuterSession(ctx, u.ID, "chat")
	require.NoError(t, err)
	inner, err := s.CreateInnerSession(ctx, &store.InnerSession{
		ID: "langgraph_kkkkkkkkkkkk", OuterSessionID: outer.ID, State: map[string]any{}, IsCurrent: true, Metadata: map[string]any{},
	})
	require.NoError(t, err)

	engine := checkpoint.New(s)
	first, err := engine.Snapshot(ctx, inner, tooltrack.New(), "first", true, nil)
	require.NoError(t, err)
	second, err := engine.Snapshot(ctx, inner, tooltrack.New(), "second", true, nil)
	require.NoError(t, err)
	_ = second

	be := New(s)
	result, err := be.RollbackTo(ctx, first.ID, outer.ID, nil, Options{RollbackTools: false})
	require.NoError(t, err)

	branchCheckpoints, err := s.ListCheckpointsByInner(ctx, result.Branch.ID, false)
	require.NoError(t, err)
	require.Len(t, branchCheckpoints, 1, "only checkpoints at or before the rollback target are cloned into the branch")
	require.Equal(t, "first", branchCheckpoints[0].Name)
}
