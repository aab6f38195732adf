package agentloop

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/chronoagent/chronoagent/pkg/model"
	"github.com/chronoagent/chronoagent/pkg/store"
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

func setupInner(t *testing.T, s *store.Store) (*store.InnerSession, int64) {
	t.Helper()
	ctx := context.Background()
	hash, _ := store.HashPassword("hunter22")
	u, err := s.SaveUser(ctx, &store.User{Username: "alice", PasswordHash: hash, SessionLimit: 5, Preferences: map[string]any{}})
	require.NoError(t, err)
	outer, err := s.CreateOuterSession(ctx, u.ID, "chat")
	require.NoError(t, err)
	inner, err := s.CreateInnerSession(ctx, &store.InnerSession{
		ID: "langgraph_aaaaaaaaaaaa", OuterSessionID: outer.ID, State: map[string]any{"x": float64(0)}, IsCurrent: true, Metadata: map[string]any{},
	})
	require.NoError(t, err)
	return inner, outer.ID
}

// fakeModel returns scripted replies in order, one per Invoke call.
type fakeModel struct {
	replies []*model.Reply
	calls   [][]model.Message
}

func (f *fakeModel) Invoke(ctx context.Context, messages []model.Message, tools []model.ToolDefinition, cfg model.Config) (*model.Reply, error) {
	f.calls = append(f.calls, messages)
	if len(f.replies) == 0 {
		return &model.Reply{Content: "done"}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func setXTool(x *int) Tool {
	return Tool{
		Definition: model.ToolDefinition{Name: "set_x", Description: "set x"},
		Forward: func(args map[string]any) (any, error) {
			prior := *x
			v, _ := args["v"].(float64)
			*x = int(v)
			return prior, nil
		},
		Reverse: func(args map[string]any, priorResult any) error {
			*x = priorResult.(int)
			return nil
		},
	}
}

func TestRun_NoToolCalls_PersistsTranscript(t *testing.T) {
	s := newTestStore(t)
	inner, outer := setupInner(t, s)
	m := &fakeModel{replies: []*model.Reply{{Content: "hi there"}}}
	loop := New(s, m, outer, inner, Options{})

	result, err := loop.Run(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", result.Reply.Content)
	require.False(t, result.RollbackRequested)

	refreshed, err := s.GetInnerSessionByID(context.Background(), inner.ID)
	require.NoError(t, err)
	require.Len(t, refreshed.Transcript, 2)
	require.Equal(t, "user", refreshed.Transcript[0].Role)
	require.Equal(t, "hello", refreshed.Transcript[0].Content)
	require.Equal(t, "assistant", refreshed.Transcript[1].Role)
	require.Equal(t, "hi there", refreshed.Transcript[1].Content)
}

// TestRun_AutoCheckpointAfterToolTurn covers scenario 2 of §8.
func TestRun_AutoCheckpointAfterToolTurn(t *testing.T) {
	s := newTestStore(t)
	inner, outer := setupInner(t, s)
	x := 0

	m := &fakeModel{replies: []*model.Reply{
		{ToolCalls: []model.ToolCall{
			{ID: "1", Name: "set_x", Arguments: map[string]any{"v": float64(1)}},
			{ID: "2", Name: "set_x", Arguments: map[string]any{"v": float64(2)}},
		}},
		{Content: "done"},
	}}
	loop := New(s, m, outer, inner, Options{})
	loop.RegisterTool(setXTool(&x))

	result, err := loop.Run(context.Background(), "please set x to 2")
	require.NoError(t, err)
	require.Equal(t, 2, x)
	require.Len(t, result.ToolInvocations, 2)
	require.Equal(t, 2, loop.Registry().Len())

	refreshed, err := s.GetInnerSessionByID(context.Background(), inner.ID)
	require.NoError(t, err)
	require.Equal(t, 1, refreshed.CheckpointCount)

	checkpoints, err := s.ListCheckpointsByInner(context.Background(), inner.ID, true)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	require.Equal(t, "After set_x", checkpoints[0].Name)
	require.Equal(t, 2, checkpoints[0].TrackPosition())
}

func TestRun_SkipsAutoCheckpointWhenAllToolsFailed(t *testing.T) {
	s := newTestStore(t)
	inner, outer := setupInner(t, s)

	m := &fakeModel{replies: []*model.Reply{
		{ToolCalls: []model.ToolCall{{ID: "1", Name: "set_x", Arguments: map[string]any{"v": float64(1)}}}},
		{Content: "done"},
	}}
	loop := New(s, m, outer, inner, Options{})
	loop.RegisterTool(Tool{
		Definition: model.ToolDefinition{Name: "set_x"},
		Forward:    func(args map[string]any) (any, error) { return nil, fmt.Errorf("boom") },
	})

	_, err := loop.Run(context.Background(), "set x")
	require.NoError(t, err)

	refreshed, err := s.GetInnerSessionByID(context.Background(), inner.ID)
	require.NoError(t, err)
	require.Equal(t, 0, refreshed.CheckpointCount)
}

// TestRun_ReservedToolsCheckpointAndRollback covers scenarios 3 and 4 of §8:
// a manual checkpoint via the reserved tool survives rollback, and a
// rollback request raised from inside the conversation produces a branch
// with the reverse handlers applied.
func TestRun_ReservedToolsCheckpointAndRollback(t *testing.T) {
	s := newTestStore(t)
	inner, outer := setupInner(t, s)
	x := 0

	m := &fakeModel{replies: []*model.Reply{
		{ToolCalls: []model.ToolCall{
			{ID: "1", Name: "set_x", Arguments: map[string]any{"v": float64(1)}},
			{ID: "2", Name: "create_checkpoint", Arguments: map[string]any{"name": "manual"}},
			{ID: "3", Name: "set_x", Arguments: map[string]any{"v": float64(2)}},
		}},
		{Content: "done"},
	}}
	loop := New(s, m, outer, inner, Options{})
	loop.RegisterTool(setXTool(&x))

	_, err := loop.Run(context.Background(), "set x then checkpoint then set x again")
	require.NoError(t, err)
	require.Equal(t, 2, x)

	checkpoints, err := s.ListCheckpointsByInner(context.Background(), inner.ID, false)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2) // 1 auto + 1 manual
	var manual *store.Checkpoint
	for _, c := range checkpoints {
		if !c.IsAuto {
			manual = c
		}
	}
	require.NotNil(t, manual)
	require.Equal(t, "manual", manual.Name)
	require.Equal(t, 1, manual.TrackPosition())

	refreshed, err := s.GetInnerSessionByID(context.Background(), inner.ID)
	require.NoError(t, err)
	loop2 := New(s, m, outer, refreshed, Options{})
	loop2.RegisterTool(setXTool(&x))
	// Replay the same track into loop2's registry so the reverse walk has
	// handlers to call: loop and loop2 are separate in-memory instances
	// bound to the same durable session, mirroring a process restart.
	for _, inv := range loop.Registry().Track() {
		loop2.Registry().Record(inv.ToolName, inv.Args, inv.Result, inv.Success, inv.ErrorMessage)
	}

	reply, err := m2RollbackReply(manual.ID)
	require.NoError(t, err)
	m.replies = []*model.Reply{reply}
	result, err := loop2.Run(context.Background(), fmt.Sprintf("roll back to checkpoint %d", manual.ID))
	require.NoError(t, err)
	require.True(t, result.RollbackRequested)
	require.Equal(t, manual.ID, result.RollbackCheckpointID)

	branchResult, err := loop2.ApplyRollback(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, x, "reverse handler should have restored x to its value at the manual checkpoint")
	require.NotNil(t, branchResult.Branch)
	require.Equal(t, inner.ID, *branchResult.Branch.ParentInnerSessionID)
	require.Equal(t, manual.ID, *branchResult.Branch.BranchPointCheckpointID)

	branchCheckpoints, err := s.ListCheckpointsByInner(context.Background(), branchResult.Branch.ID, false)
	require.NoError(t, err)
	require.Len(t, branchCheckpoints, 1, "branch should only carry the ancestor checkpoint at or before the rollback point")

	originalCheckpoints, err := s.ListCheckpointsByInner(context.Background(), inner.ID, false)
	require.NoError(t, err)
	require.Len(t, originalCheckpoints, 2, "original timeline's checkpoints must remain untouched")
}

func m2RollbackReply(checkpointID int64) (*model.Reply, error) {
	return &model.Reply{ToolCalls: []model.ToolCall{
		{ID: "r1", Name: "rollback_to_checkpoint", Arguments: map[string]any{"id_or_name": fmt.Sprintf("%d", checkpointID)}},
	}}, nil
}
