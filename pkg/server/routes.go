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

package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/outer-sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateOuterSession)
		r.Post("/{id}/resume", s.handleResumeAgent)
		r.Post("/{id}/messages", s.handleSendMessage)
		r.Get("/{id}/inner-sessions", s.handleListInnerSessions)
		r.Get("/{id}/tree", s.handleBranchTree)
		r.Get("/{id}/summary", s.handleConversationSummary)
	})

	r.Route("/inner-sessions", func(r chi.Router) {
		r.Get("/{id}/checkpoints", s.handleListCheckpoints)
	})

	r.Post("/rollback", s.handleRollback)

	return r
}
