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

// Package agentloop drives one inner session's agent/tools/checkpoint state
// machine: assemble messages from the transcript, invoke the model, dispatch
// any requested tool calls through the tool track registry, auto-checkpoint
// tool-using turns, and detect in-conversation rollback requests.
package agentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/chronoagent/chronoagent/pkg/branch"
	"github.com/chronoagent/chronoagent/pkg/checkpoint"
	"github.com/chronoagent/chronoagent/pkg/model"
	"github.com/chronoagent/chronoagent/pkg/store"
	"github.com/chronoagent/chronoagent/pkg/tooltrack"
)

// defaultMaxIterations bounds the agent/tools/checkpoint loop within a
// single turn, guarding against a model that never stops requesting tools.
const defaultMaxIterations = 25

// Tool is a domain tool offered to the model: its calling contract plus the
// forward/reverse handlers the tool track registry dispatches through.
type Tool struct {
	Definition model.ToolDefinition
	Forward    tooltrack.ForwardFunc
	Reverse    tooltrack.ReverseFunc
}

// Options configures a Loop.
type Options struct {
	UserID        *int64
	Preferences   map[string]any
	MaxIterations int
}

// Loop is bound to a single inner session and owns that session's
// per-instance tool track registry (§5: the registry is per-agent-instance,
// never shared).
type Loop struct {
	store       *store.Store
	checkpoints *checkpoint.Engine
	branches    *branch.Engine
	model       model.Model
	registry    *tooltrack.Registry

	inner          *store.InnerSession
	outerSessionID int64
	userID         *int64
	preferences    map[string]any
	maxIterations  int
	definitions    []model.ToolDefinition

	// currentCtx is set at the top of Run and read by the reserved tool
	// forward closures below, which need a context but are invoked through
	// tooltrack.ForwardFunc's context-free signature.
	currentCtx context.Context
}

// New builds a Loop bound to inner, registers the reserved checkpoint-
// management tools, and is ready to accept domain tools via RegisterTool.
func New(s *store.Store, m model.Model, outerSessionID int64, inner *store.InnerSession, opts Options) *Loop {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if inner.State == nil {
		inner.State = map[string]any{}
	}
	l := &Loop{
		store:          s,
		checkpoints:    checkpoint.New(s),
		branches:       branch.New(s),
		model:          m,
		registry:       tooltrack.New(),
		inner:          inner,
		outerSessionID: outerSessionID,
		userID:         opts.UserID,
		preferences:    opts.Preferences,
		maxIterations:  maxIter,
		currentCtx:     context.Background(),
	}
	l.registerReservedTools()
	return l
}

// Registry exposes the loop's tool track registry, e.g. for a host that
// needs to inspect the live track or drive a manual rollback.
func (l *Loop) Registry() *tooltrack.Registry { return l.registry }

// Inner returns the inner session this loop is bound to.
func (l *Loop) Inner() *store.InnerSession { return l.inner }

// ConversationSummary formats the last 10 transcript entries for display,
// truncating any message body past 100 characters.
func (l *Loop) ConversationSummary() string {
	history := l.inner.Transcript
	if len(history) == 0 {
		return "No conversation history yet."
	}

	start := 0
	if len(history) > 10 {
		start = len(history) - 10
	}

	summary := fmt.Sprintf("Conversation (%d messages):\n", len(history))
	for _, msg := range history[start:] {
		content := msg.Content
		if len(content) > 100 {
			content = content[:97] + "..."
		}
		summary += fmt.Sprintf("\n[%s] %s\n", msg.Role, content)
	}
	return summary
}

// RegisterTool adds a domain tool to both the model's catalog and the
// dispatch registry.
func (l *Loop) RegisterTool(t Tool) {
	l.registry.Register(tooltrack.ToolSpec{Name: t.Definition.Name, Forward: t.Forward, Reverse: t.Reverse})
	l.definitions = append(l.definitions, t.Definition)
}

func (l *Loop) catalog() []model.ToolDefinition {
	out := append([]model.ToolDefinition(nil), l.definitions...)
	return append(out, reservedToolDefinitions...)
}

// Result is the outcome of a single Run call.
type Result struct {
	Reply                *model.Reply
	ToolInvocations      []store.ToolInvocationRecord
	RollbackRequested    bool
	RollbackCheckpointID int64
	Iterations           int
}

// Run executes one user turn of the agent/tools/checkpoint state machine
// (§4.5): assemble messages from the persisted transcript plus the new user
// text, invoke the model, dispatch any tool calls, auto-checkpoint eligible
// tool turns, and repeat until the model stops requesting tools, a rollback
// is requested, or the iteration safety limit is hit.
func (l *Loop) Run(ctx context.Context, userText string) (*Result, error) {
	l.currentCtx = ctx
	defer func() { l.currentCtx = context.Background() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	currentTurn := countUserTurns(l.inner.Transcript) + 1
	l.inner.Transcript = append(l.inner.Transcript, store.TranscriptEntry{
		Role:       "user",
		Content:    userText,
		Timestamp:  now,
		TurnNumber: &currentTurn,
	})

	messages := assembleMessages(l.inner.Transcript)
	cfg := l.modelConfig()
	systemPrompt, _ := l.preferences["system_prompt"].(string)

	result := &Result{}
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		result.Iterations = iteration + 1

		invokeMessages := messages
		if systemPrompt != "" {
			invokeMessages = append([]model.Message{{Role: "system", Content: systemPrompt}}, messages...)
		}

		reply, err := l.model.Invoke(ctx, invokeMessages, l.catalog(), cfg)
		if err != nil {
			return nil, fmt.Errorf("agentloop: model invoke: %w", err)
		}
		result.Reply = reply

		if !reply.HasToolCalls() {
			l.inner.Transcript = append(l.inner.Transcript, store.TranscriptEntry{
				Role:       "assistant",
				Content:    reply.Content,
				Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
				TurnNumber: &currentTurn,
			})
			if _, err := l.store.UpdateInnerSession(ctx, l.inner); err != nil {
				return nil, fmt.Errorf("agentloop: persist turn: %w", err)
			}
			return result, nil
		}

		iterationInvocations := l.dispatchTools(reply.ToolCalls, &messages)
		result.ToolInvocations = append(result.ToolInvocations, iterationInvocations...)

		if l.shouldAutoCheckpoint(iterationInvocations) {
			last := lastNonReservedTool(iterationInvocations)
			name := fmt.Sprintf("After %s", last)
			if _, err := l.checkpoints.Snapshot(ctx, l.inner, l.registry, name, true, l.userID); err != nil {
				return nil, fmt.Errorf("agentloop: auto checkpoint: %w", err)
			}
		}

		if _, err := l.store.UpdateInnerSession(ctx, l.inner); err != nil {
			return nil, fmt.Errorf("agentloop: persist tool state: %w", err)
		}

		if rollback, checkpointID := l.rollbackRequested(); rollback {
			result.RollbackRequested = true
			result.RollbackCheckpointID = checkpointID
			return result, nil
		}
	}

	return nil, fmt.Errorf("agentloop: reasoning loop safety limit exceeded (%d iterations)", l.maxIterations)
}

// dispatchTools executes every tool call via the registry, recording each
// invocation and appending ephemeral messages to conversation (never
// persisted to the transcript) so the next model invoke in this turn sees
// the results.
func (l *Loop) dispatchTools(calls []model.ToolCall, conversation *[]model.Message) []store.ToolInvocationRecord {
	invocations := make([]store.ToolInvocationRecord, 0, len(calls))
	for _, tc := range calls {
		result, err := l.invokeTool(tc.Name, tc.Arguments)
		success := err == nil
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		l.registry.Record(tc.Name, tc.Arguments, result, success, errMsg)
		invocations = append(invocations, store.ToolInvocationRecord{
			ToolName:     tc.Name,
			Args:         tc.Arguments,
			Result:       result,
			Success:      success,
			ErrorMessage: errMsg,
		})

		if err != nil {
			*conversation = append(*conversation, model.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("Error calling %s: %s", tc.Name, err.Error()),
			})
			continue
		}
		*conversation = append(*conversation, model.Message{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    toolResultText(result),
		})
	}
	return invocations
}

func (l *Loop) invokeTool(name string, args map[string]any) (any, error) {
	spec, ok := l.registry.Lookup(name)
	if !ok || spec.Forward == nil {
		return nil, fmt.Errorf("no forward handler registered for tool %q", name)
	}
	return spec.Forward(args)
}

// shouldAutoCheckpoint implements §4.3's trigger plus the decided resolution
// of open question (c): skip when every non-reserved tool this iteration
// failed.
func (l *Loop) shouldAutoCheckpoint(invocations []store.ToolInvocationRecord) bool {
	if autoCheckpoint, ok := l.preferences["auto_checkpoint"].(bool); ok && !autoCheckpoint {
		return false
	}
	sawNonReserved := false
	anySucceeded := false
	for _, inv := range invocations {
		if tooltrack.ReservedNames[inv.ToolName] {
			continue
		}
		sawNonReserved = true
		if inv.Success {
			anySucceeded = true
		}
	}
	return sawNonReserved && anySucceeded
}

func (l *Loop) rollbackRequested() (bool, int64) {
	requested, _ := l.inner.State["rollback_requested"].(bool)
	if !requested {
		return false, 0
	}
	switch v := l.inner.State["rollback_checkpoint_id"].(type) {
	case int64:
		return true, v
	case float64:
		return true, int64(v)
	case int:
		return true, int64(v)
	default:
		return true, 0
	}
}

// ApplyRollback is the host-layer half of an in-conversation rollback
// (§4.5): it reads the checkpoint id the rollback_to_checkpoint reserved
// tool stashed in session state, drives the Branch/Rollback Engine, and
// clears rollback_requested on the original inner session (the checkpoint id
// itself is left for the caller, per spec). Call this after Run returns a
// Result with RollbackRequested set.
func (l *Loop) ApplyRollback(ctx context.Context) (*branch.Result, error) {
	requested, checkpointID := l.rollbackRequested()
	if !requested {
		return nil, fmt.Errorf("agentloop: no rollback requested")
	}

	result, err := l.branches.RollbackTo(ctx, checkpointID, l.outerSessionID, l.registry, branch.Options{RollbackTools: true})
	if err != nil {
		return nil, fmt.Errorf("agentloop: apply rollback: %w", err)
	}

	l.inner.State["rollback_requested"] = false
	if _, err := l.store.UpdateInnerSession(ctx, l.inner); err != nil {
		return nil, fmt.Errorf("agentloop: clear rollback flag: %w", err)
	}
	return result, nil
}

func (l *Loop) modelConfig() model.Config {
	cfg := model.Config{}
	if m, ok := l.preferences["model"].(string); ok {
		cfg.Model = m
	}
	if t, ok := asFloat(l.preferences["temperature"]); ok {
		cfg.Temperature = &t
	}
	if mt, ok := asInt(l.preferences["max_tokens"]); ok {
		cfg.MaxTokens = &mt
	}
	return cfg
}

func countUserTurns(transcript []store.TranscriptEntry) int {
	n := 0
	for _, e := range transcript {
		if e.Role == "user" {
			n++
		}
	}
	return n
}

func assembleMessages(transcript []store.TranscriptEntry) []model.Message {
	out := make([]model.Message, 0, len(transcript))
	for _, e := range transcript {
		out = append(out, model.Message{Role: e.Role, Content: e.Content})
	}
	return out
}

func lastNonReservedTool(invocations []store.ToolInvocationRecord) string {
	for i := len(invocations) - 1; i >= 0; i-- {
		if !tooltrack.ReservedNames[invocations[i].ToolName] {
			return invocations[i].ToolName
		}
	}
	return ""
}

func toolResultText(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", result)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
