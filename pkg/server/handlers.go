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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chronoagent/chronoagent/pkg/branch"
	"github.com/chronoagent/chronoagent/pkg/store"
	"github.com/chronoagent/chronoagent/pkg/tooltrack"
)

// newGraphSessionID mints a fresh inner session id, matching the
// "langgraph_<12hex>" shape used throughout the store and branch engine.
func newGraphSessionID() string {
	return "langgraph_" + uuid.NewString()[:12]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrUsernameTaken):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, key), 10, 64)
}

// handleHealth reports liveness; it never touches the Store, matching the
// policy that no user-visible API holds a store transaction across calls
// it doesn't need.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createOuterSessionRequest creates a new outer session (and its initial
// inner session) owned by an existing user.
type createOuterSessionRequest struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
}

func (s *Server) handleCreateOuterSession(w http.ResponseWriter, r *http.Request) {
	var req createOuterSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	outer, err := s.store.CreateOuterSession(ctx, req.UserID, req.Name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	inner, err := s.store.CreateInnerSession(ctx, &store.InnerSession{
		ID:             newGraphSessionID(),
		OuterSessionID: outer.ID,
		State:          map[string]any{},
		IsCurrent:      true,
		Metadata:       map[string]any{},
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.auth.AddSession(ctx, req.UserID, outer.ID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"outer_session": outer, "inner_session": inner})
}

// resumeAgentRequest resumes (or first-builds) the in-memory Loop for an
// outer session, with optional model provider overrides (§6).
type resumeAgentRequest struct {
	UserID  int64  `json:"user_id"`
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"`
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	outerID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req resumeAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if err := s.auth.VerifySessionOwnership(ctx, req.UserID, outerID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	loop, err := s.resumeLoop(ctx, outerID, req.UserID, req.BaseURL, req.APIKey, req.Model)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"inner_session_id": loop.Inner().ID})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// handleSendMessage runs one turn of the agent loop (§4.5). The agent must
// already be resumed into memory; there is no get_active_agent fallback.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	outerID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	loop := s.loopFor(outerID)
	if loop == nil {
		writeError(w, http.StatusConflict, errors.New("agent not resumed for this outer session"))
		return
	}

	result, err := loop.Run(r.Context(), req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.RecordTurn(strconv.FormatInt(outerID, 10))

	resp := map[string]any{
		"reply":                  result.Reply,
		"iterations":             result.Iterations,
		"rollback_requested":     result.RollbackRequested,
		"rollback_checkpoint_id": result.RollbackCheckpointID,
	}
	if result.RollbackRequested {
		branchResult, err := loop.ApplyRollback(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.metrics.RecordRollback(nil)
		var reverseErrors int
		for _, rr := range branchResult.ReverseResult {
			if !rr.OK {
				reverseErrors++
			}
		}
		s.metrics.RecordReverseHandlerErrors(reverseErrors)
		s.setLoop(outerID, loop)
		resp["branch_inner_session_id"] = branchResult.Branch.ID
	}

	writeJSON(w, http.StatusOK, resp)
}

// rollbackRequest performs a host-driven rollback to a checkpoint id,
// independent of any in-conversation rollback_to_checkpoint tool call.
type rollbackRequest struct {
	OuterSessionID int64 `json:"outer_session_id"`
	CheckpointID   int64 `json:"checkpoint_id"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	loop := s.loopFor(req.OuterSessionID)
	registry := tooltrack.New()
	rollbackTools := false
	if loop != nil {
		registry = loop.Registry()
		rollbackTools = true
	}

	result, err := s.branches.RollbackTo(r.Context(), req.CheckpointID, req.OuterSessionID, registry, branch.Options{RollbackTools: rollbackTools})
	s.metrics.RecordRollback(err)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var reverseErrors int
	for _, rr := range result.ReverseResult {
		if !rr.OK {
			reverseErrors++
		}
	}
	s.metrics.RecordReverseHandlerErrors(reverseErrors)

	writeJSON(w, http.StatusOK, map[string]any{"branch_inner_session_id": result.Branch.ID})
}

func (s *Server) handleListInnerSessions(w http.ResponseWriter, r *http.Request) {
	outerID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessions, err := s.store.ListInnerSessionsByOuter(r.Context(), outerID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleBranchTree(w http.ResponseWriter, r *http.Request) {
	outerID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tree, err := s.store.BranchTree(r.Context(), outerID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// handleConversationSummary formats the resumed agent's last 10 transcript
// entries for display. Requires the outer session to have a loop cached
// by a prior /resume call, same as handleSendMessage.
func (s *Server) handleConversationSummary(w http.ResponseWriter, r *http.Request) {
	outerID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	loop := s.loopFor(outerID)
	if loop == nil {
		writeError(w, http.StatusConflict, errors.New("agent not resumed for this outer session"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": loop.ConversationSummary()})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	innerID := chi.URLParam(r, "id")
	checkpoints, err := s.store.ListCheckpointsByInner(r.Context(), innerID, false)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, checkpoints)
}
