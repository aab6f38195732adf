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

// Package tooltrack is the in-memory, per-agent-instance registry of tool
// forward/reverse handlers and the append-only log of their invocations.
package tooltrack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chronoagent/chronoagent/pkg/store"
)

// ErrOutOfRange is returned by Truncate when position is outside [0, len].
var ErrOutOfRange = errors.New("tooltrack: position out of range")

// ForwardFunc executes a tool's external effect.
type ForwardFunc func(args map[string]any) (any, error)

// ReverseFunc compensates for a prior forward call, given the same args and
// the result that forward produced.
type ReverseFunc func(args map[string]any, priorResult any) error

// ToolSpec is a registered tool: a name, its forward handler, and an
// optional reverse (compensating) handler.
type ToolSpec struct {
	Name    string
	Forward ForwardFunc
	Reverse ReverseFunc
}

// ReservedNames are checkpoint-management tools. They never have external
// effects to reverse, so reverse walks skip them.
var ReservedNames = map[string]bool{
	"create_checkpoint":        true,
	"list_checkpoints":         true,
	"rollback_to_checkpoint":   true,
	"delete_checkpoint":        true,
	"get_checkpoint_info":      true,
	"cleanup_auto_checkpoints": true,
}

// ReverseResult is one entry of a Rollback/RollbackFromTrackIndex report.
type ReverseResult struct {
	Name string
	OK   bool
	Err  string
}

// Registry holds registered tool specs and the append-only track of
// invocations for one agent instance. Not shared across agents: the spec
// requires the track be per-agent-instance and not a shared resource.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*ToolSpec
	track []store.ToolInvocationRecord
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{specs: make(map[string]*ToolSpec)}
}

// Register adds or replaces a tool spec by name. Idempotent: a second
// registration under the same name replaces the reverse handler (and
// forward handler) rather than erroring.
func (r *Registry) Register(spec ToolSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := spec
	r.specs[spec.Name] = &s
}

// Lookup returns the registered spec for name, if any.
func (r *Registry) Lookup(name string) (*ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Record appends an invocation record unconditionally, regardless of
// success.
func (r *Registry) Record(name string, args map[string]any, result any, success bool, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track = append(r.track, store.ToolInvocationRecord{
		ToolName:     name,
		Args:         args,
		Result:       result,
		Success:      success,
		ErrorMessage: errMsg,
	})
}

// Track returns a snapshot copy of the current invocation log. Callers
// never see the live slice.
func (r *Registry) Track() []store.ToolInvocationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.ToolInvocationRecord, len(r.track))
	copy(out, r.track)
	return out
}

// Len returns the current track length.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.track)
}

// Truncate retains only [0, position) of the track. position must be in
// [0, len]; otherwise ErrOutOfRange.
func (r *Registry) Truncate(position int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if position < 0 || position > len(r.track) {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrOutOfRange, position, len(r.track))
	}
	r.track = r.track[:position]
	return nil
}

// Rollback walks the track in reverse, invoking each non-reserved record's
// registered reverse handler, then clears the track. Best-effort: a missing
// handler or a handler error is recorded in the result list and does not
// stop the walk.
func (r *Registry) Rollback() []ReverseResult {
	r.mu.Lock()
	track := r.track
	r.track = nil
	r.mu.Unlock()

	return r.reverseWalk(track, 0)
}

// RollbackFromTrackIndex walks the track in reverse from the end down to
// (and including) start, without clearing the track. Used for partial
// rollback to a checkpoint's cursor.
func (r *Registry) RollbackFromTrackIndex(start int) []ReverseResult {
	r.mu.RLock()
	track := make([]store.ToolInvocationRecord, len(r.track))
	copy(track, r.track)
	r.mu.RUnlock()

	if start < 0 {
		start = 0
	}
	if start > len(track) {
		start = len(track)
	}
	return r.reverseWalk(track, start)
}

// reverseWalk invokes reverse handlers for track[from:] in reverse order.
func (r *Registry) reverseWalk(track []store.ToolInvocationRecord, from int) []ReverseResult {
	var results []ReverseResult
	for i := len(track) - 1; i >= from; i-- {
		rec := track[i]
		if ReservedNames[rec.ToolName] {
			continue
		}

		spec, ok := r.Lookup(rec.ToolName)
		if !ok || spec.Reverse == nil {
			results = append(results, ReverseResult{Name: rec.ToolName, OK: false, Err: "No reverse handler registered"})
			continue
		}

		if err := spec.Reverse(rec.Args, rec.Result); err != nil {
			results = append(results, ReverseResult{Name: rec.ToolName, OK: false, Err: err.Error()})
			continue
		}
		results = append(results, ReverseResult{Name: rec.ToolName, OK: true})
	}
	return results
}

// Redo drains the current track, then re-invokes the forward handler for
// each prior record, appending new records (success or failure) in the
// same order.
func (r *Registry) Redo() error {
	r.mu.Lock()
	prior := r.track
	r.track = nil
	r.mu.Unlock()

	for _, rec := range prior {
		spec, ok := r.Lookup(rec.ToolName)
		if !ok || spec.Forward == nil {
			r.Record(rec.ToolName, rec.Args, nil, false, "No forward handler registered")
			continue
		}

		result, err := spec.Forward(rec.Args)
		if err != nil {
			r.Record(rec.ToolName, rec.Args, nil, false, err.Error())
			continue
		}
		r.Record(rec.ToolName, rec.Args, result, true, "")
	}
	return nil
}
