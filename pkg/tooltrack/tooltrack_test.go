package tooltrack

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegister_ReplacesOnReRegister(t *testing.T) {
	r := New()
	calls := 0
	r.Register(ToolSpec{Name: "set_x", Forward: func(args map[string]any) (any, error) {
		calls++
		return nil, nil
	}})
	r.Register(ToolSpec{Name: "set_x", Forward: func(args map[string]any) (any, error) {
		calls += 100
		return nil, nil
	}})

	spec, ok := r.Lookup("set_x")
	require.True(t, ok)
	_, _ = spec.Forward(nil)
	require.Equal(t, 100, calls)
}

func TestTrack_ReturnsSnapshotCopy(t *testing.T) {
	r := New()
	r.Record("set_x", map[string]any{"v": 1}, nil, true, "")

	snap := r.Track()
	snap[0].ToolName = "mutated"

	require.Equal(t, "set_x", r.Track()[0].ToolName, "caller mutation of Track() must not affect the live track")
}

func TestTruncate_Bounds(t *testing.T) {
	r := New()
	r.Record("a", nil, nil, true, "")
	r.Record("b", nil, nil, true, "")

	require.NoError(t, r.Truncate(2), "Truncate(len) is a no-op")
	require.Equal(t, 2, r.Len())

	require.NoError(t, r.Truncate(0))
	require.Equal(t, 0, r.Len())

	err := r.Truncate(5)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestRollback_ReverseOrderAndClears(t *testing.T) {
	r := New()
	var x int
	r.Register(ToolSpec{
		Name: "set_x",
		Forward: func(args map[string]any) (any, error) {
			prior := x
			x = int(args["v"].(float64))
			return prior, nil
		},
		Reverse: func(args map[string]any, priorResult any) error {
			x = int(priorResult.(int))
			return nil
		},
	})

	prior0, _ := r.Lookup("set_x")
	r1, _ := prior0.Forward(map[string]any{"v": float64(1)})
	r.Record("set_x", map[string]any{"v": float64(1)}, r1, true, "")
	r2, _ := prior0.Forward(map[string]any{"v": float64(2)})
	r.Record("set_x", map[string]any{"v": float64(2)}, r2, true, "")

	require.Equal(t, 2, x)

	results := r.Rollback()
	require.Len(t, results, 2)
	require.True(t, results[0].OK)
	require.True(t, results[1].OK)
	require.Equal(t, 0, x, "reverse handlers restore X to its pre-turn value")
	require.Equal(t, 0, r.Len(), "Rollback clears the track")
}

func TestRollback_SkipsReservedNames(t *testing.T) {
	r := New()
	r.Record("set_x", map[string]any{}, nil, true, "")
	r.Record("create_checkpoint", map[string]any{"name": "manual"}, "checkpoint 1", true, "")

	results := r.Rollback()
	// set_x has no reverse handler registered here, so it still appears as
	// a failed reverse result; create_checkpoint must not appear at all.
	require.Len(t, results, 1)
	require.Equal(t, "set_x", results[0].Name)
	require.False(t, results[0].OK)
	require.Equal(t, "No reverse handler registered", results[0].Err)
}

func TestRollbackFromTrackIndex_DoesNotClear(t *testing.T) {
	r := New()
	r.Register(ToolSpec{
		Name:    "set_x",
		Forward: func(args map[string]any) (any, error) { return nil, nil },
		Reverse: func(args map[string]any, priorResult any) error { return nil },
	})
	r.Record("set_x", nil, nil, true, "")
	r.Record("set_x", nil, nil, true, "")
	r.Record("set_x", nil, nil, true, "")

	results := r.RollbackFromTrackIndex(1)
	require.Len(t, results, 2, "walks [len-1 .. start], inclusive of start")
	require.Equal(t, 3, r.Len(), "does not clear the track")
}

func TestRedo_ReplaysForwardHandlersInOrder(t *testing.T) {
	r := New()
	var order []int
	r.Register(ToolSpec{
		Name: "set_x",
		Forward: func(args map[string]any) (any, error) {
			order = append(order, int(args["v"].(float64)))
			return nil, nil
		},
	})
	r.Record("set_x", map[string]any{"v": float64(1)}, nil, true, "")
	r.Record("set_x", map[string]any{"v": float64(2)}, nil, true, "")

	require.Len(t, r.Rollback(), 2)
	require.Equal(t, 0, r.Len())

	// Re-seed the track the way an agent would before invoking Redo: Redo
	// drains whatever is currently present and replays it forward.
	r.Record("set_x", map[string]any{"v": float64(1)}, nil, true, "")
	r.Record("set_x", map[string]any{"v": float64(2)}, nil, true, "")
	require.NoError(t, r.Redo())

	require.Equal(t, []int{1, 2}, order)
	require.Equal(t, 2, r.Len(), "Redo yields a track of the same length as before rollback")
}

func TestRedo_RecordsForwardFailures(t *testing.T) {
	r := New()
	r.Register(ToolSpec{
		Name:    "flaky",
		Forward: func(args map[string]any) (any, error) { return nil, errors.New("boom") },
	})
	r.Record("flaky", nil, nil, true, "")

	require.NoError(t, r.Redo())
	track := r.Track()
	require.Len(t, track, 1)
	require.False(t, track[0].Success)
	require.Equal(t, "boom", track[0].ErrorMessage)
}
