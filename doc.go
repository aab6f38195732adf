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

// Package chronoagent provides a non-destructive checkpoint, branch, and
// rollback subsystem for conversational agents that call tools.
//
// An OuterSession is a user-facing conversation; it owns a forest of
// InnerSessions, each one an execution timeline of transcript entries and
// tool invocations. A Checkpoint is a value-copied snapshot of an
// InnerSession's state plus a cursor into its tool track. Rolling back to a
// checkpoint never deletes history: it best-effort reverses the tool calls
// made since that checkpoint, then creates a new InnerSession branched from
// it, leaving the original timeline intact and queryable.
//
// # Packages
//
//   - pkg/store: the four-table schema (User, OuterSession, InnerSession,
//     Checkpoint) and its SQLite/Postgres/MySQL-portable queries.
//   - pkg/tooltrack: the per-agent-instance, in-memory, append-only record
//     of tool invocations and their registered reverse handlers.
//   - pkg/checkpoint: snapshot and retention operations over the Store.
//   - pkg/branch: the rollback algorithm that walks the tool track backwards
//     and creates a branched InnerSession.
//   - pkg/agentloop: the agent/tools/checkpoint turn loop that ties a model,
//     a tool track registry, and the Store together.
//   - pkg/auth: user registration, login, password and API-key management.
//   - pkg/server: the host-facing HTTP API (create/resume agents, run
//     turns, trigger rollbacks, inspect branch trees).
//   - cmd/chronoagent: the CLI entry point (serve, validate, version).
//
// # Usage
//
//	chronoagent serve
//	chronoagent validate --print-config
package chronoagent
