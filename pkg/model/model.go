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

// Package model defines the boundary between the agent loop and the
// opaque text-completion service it talks to: a Model is anything that can
// turn a message history and a tool catalog into a reply, possibly
// containing tool calls.
package model

import "context"

// Message is one turn of conversation passed to a model.
type Message struct {
	Role    string // user, assistant, system, tool
	Content string

	// ToolCallID identifies which tool call this message is the result of,
	// when Role == "tool".
	ToolCallID string
}

// ToolDefinition describes a tool's calling contract to the model, without
// carrying the forward/reverse handlers themselves (those live in
// pkg/tooltrack).
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema-shaped parameter spec
}

// ToolCall is a single invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Reply is the result of a single Invoke call.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage carries token accounting, when the provider reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// HasToolCalls reports whether the reply requested any tool calls.
func (r *Reply) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Config carries per-call generation parameters, sourced from a user's
// preferences (§4.6: temperature, max_tokens, model).
type Config struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
}

// Model is the interface the agent loop consumes: an opaque text-completion
// service with tool-calling. Everything about the provider (HTTP transport,
// retries, request/response shape) lives behind this boundary.
type Model interface {
	// Invoke sends the assembled message history and tool catalog to the
	// model and returns its reply.
	Invoke(ctx context.Context, messages []Message, tools []ToolDefinition, cfg Config) (*Reply, error)
}
