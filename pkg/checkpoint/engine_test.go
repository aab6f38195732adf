package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

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

func setupInner(t *testing.T, s *store.Store) *store.InnerSession {
	t.Helper()
	ctx := context.Background()
	hash, _ := store.HashPassword("hunter22")
	u, err := s.SaveUser(ctx, &store.User{Username: "alice", PasswordHash: hash, SessionLimit: 5, Preferences: map[string]any{}})
	require.NoError(t, err)
	outer, err := s.CreateOuterSession(ctx, u.ID, "chat")
	require.NoError(t, err)
	inner, err := s.CreateInnerSession(ctx, &store.InnerSession{
		ID: "langgraph_aaaaaaaaaaaa", OuterSessionID: outer.ID, State: map[string]any{"x": 0}, IsCurrent: true, Metadata: map[string]any{},
	})
	require.NoError(t, err)
	return inner
}

func TestSnapshot_CapturesTrackPositionAndIncrementsCount(t *testing.T) {
	s := newTestStore(t)
	inner := setupInner(t, s)
	engine := New(s)
	registry := tooltrack.New()
	registry.Record("set_x", map[string]any{"v": float64(1)}, nil, true, "")
	registry.Record("set_x", map[string]any{"v": float64(2)}, nil, true, "")

	ctx := context.Background()
	c, err := engine.Snapshot(ctx, inner, registry, "After set_x", true, nil)
	require.NoError(t, err)
	require.Equal(t, 2, c.TrackPosition())
	require.True(t, c.IsAuto)

	refreshed, err := s.GetInnerSessionByID(ctx, inner.ID)
	require.NoError(t, err)
	require.Equal(t, 1, refreshed.CheckpointCount)
}

func TestSnapshot_IsValueCopyNotReference(t *testing.T) {
	s := newTestStore(t)
	inner := setupInner(t, s)
	engine := New(s)
	ctx := context.Background()

	c, err := engine.Snapshot(ctx, inner, tooltrack.New(), "manual", false, nil)
	require.NoError(t, err)

	inner.State["x"] = 999
	c2, err := s.GetCheckpointByID(ctx, c.ID)
	require.NoError(t, err)
	require.EqualValues(t, 0, c2.StateSnapshot["x"], "mutating the live inner session state must not affect a persisted snapshot")
}

func TestCleanupAuto_KeepsLatestOnly(t *testing.T) {
	s := newTestStore(t)
	inner := setupInner(t, s)
	engine := New(s)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := engine.Snapshot(ctx, inner, tooltrack.New(), fmt.Sprintf("auto-%d", i), true, nil)
		require.NoError(t, err)
	}
	_, err := engine.Snapshot(ctx, inner, tooltrack.New(), "manual", false, nil)
	require.NoError(t, err)

	deleted, err := engine.CleanupAuto(ctx, inner.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	counts, err := s.CountCheckpoints(ctx, inner.ID)
	require.NoError(t, err)
	require.Equal(t, 2, counts.Auto)
	require.Equal(t, 1, counts.Manual)
}
