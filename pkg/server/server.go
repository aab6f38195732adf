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

// Package server exposes the host-facing API (the UI/CLI boundary): create
// or resume an agent by outer-session id with optional model overrides, run
// a turn, roll back to a checkpoint, list inner sessions and checkpoints,
// and return an outer session's branch tree. Transport is JSON over a
// chi-routed REST surface, instrumented with Prometheus counters.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/chronoagent/chronoagent/pkg/agentloop"
	"github.com/chronoagent/chronoagent/pkg/auth"
	"github.com/chronoagent/chronoagent/pkg/branch"
	"github.com/chronoagent/chronoagent/pkg/checkpoint"
	"github.com/chronoagent/chronoagent/pkg/model"
	"github.com/chronoagent/chronoagent/pkg/model/openai"
	"github.com/chronoagent/chronoagent/pkg/store"
)

// ModelFactory builds a Model for a resumed agent, given the effective
// base URL and API key (request overrides, falling back to server
// defaults). Tests substitute a fake; production wires openai.New.
type ModelFactory func(baseURL, apiKey, modelName string) (model.Model, error)

// Server holds the shared Store and engines plus one cached, in-memory
// agentloop.Loop per active outer session (the tool track registry is
// per-agent-instance and must survive across turns within a process).
type Server struct {
	store       *store.Store
	auth        *auth.Service
	checkpoints *checkpoint.Engine
	branches    *branch.Engine
	metrics     *Metrics
	logger      *slog.Logger

	defaultBaseURL string
	defaultAPIKey  string
	newModel       ModelFactory

	mu    sync.Mutex
	loops map[int64]*agentloop.Loop
}

// Config configures a new Server.
type Config struct {
	Store          *store.Store
	DefaultBaseURL string
	DefaultAPIKey  string
	Logger         *slog.Logger
	ModelFactory   ModelFactory
}

// New builds a Server. A nil ModelFactory defaults to wiring pkg/model/openai.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.ModelFactory
	if factory == nil {
		factory = defaultModelFactory
	}
	return &Server{
		store:          cfg.Store,
		auth:           auth.New(cfg.Store),
		checkpoints:    checkpoint.New(cfg.Store),
		branches:       branch.New(cfg.Store),
		metrics:        NewMetrics(),
		logger:         logger,
		defaultBaseURL: cfg.DefaultBaseURL,
		defaultAPIKey:  cfg.DefaultAPIKey,
		newModel:       factory,
		loops:          make(map[int64]*agentloop.Loop),
	}
}

func defaultModelFactory(baseURL, apiKey, modelName string) (model.Model, error) {
	return openai.New(openai.Config{BaseURL: baseURL, APIKey: apiKey, Model: modelName})
}

// Handler returns the fully wired chi router.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// loopFor returns the cached Loop for an outer session, or nil if no agent
// has been resumed into memory for it yet.
func (s *Server) loopFor(outerID int64) *agentloop.Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[outerID]
}

func (s *Server) setLoop(outerID int64, l *agentloop.Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops[outerID] = l
}

// resumeLoop loads the outer session's current inner session and builds a
// fresh Loop bound to it, overriding the model endpoint/credential when the
// caller supplies them. This is the sole reconstruction path: there is no
// separate get_active_agent surface (§9 Open Question b).
func (s *Server) resumeLoop(ctx context.Context, outerID int64, userID int64, baseURL, apiKey, modelName string) (*agentloop.Loop, error) {
	inner, err := s.store.CurrentInnerSession(ctx, outerID)
	if err != nil {
		return nil, fmt.Errorf("resume agent: %w", err)
	}

	effectiveBaseURL := baseURL
	if effectiveBaseURL == "" {
		effectiveBaseURL = s.defaultBaseURL
	}
	effectiveAPIKey := apiKey
	if effectiveAPIKey == "" {
		effectiveAPIKey = s.defaultAPIKey
	}

	m, err := s.newModel(effectiveBaseURL, effectiveAPIKey, modelName)
	if err != nil {
		return nil, fmt.Errorf("resume agent: build model client: %w", err)
	}

	u, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resume agent: %w", err)
	}

	loop := agentloop.New(s.store, m, outerID, inner, agentloop.Options{
		UserID:      &userID,
		Preferences: u.Preferences,
	})
	s.setLoop(outerID, loop)
	return loop, nil
}
