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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/chronoagent/chronoagent/pkg/model"
	"github.com/chronoagent/chronoagent/pkg/store"
)

func newTestServerStore(t *testing.T) *store.Store {
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

// scriptedModel returns queued replies in order, ignoring the request.
type scriptedModel struct {
	replies []*model.Reply
}

func (m *scriptedModel) Invoke(ctx context.Context, messages []model.Message, tools []model.ToolDefinition, cfg model.Config) (*model.Reply, error) {
	if len(m.replies) == 0 {
		return &model.Reply{Content: "done"}, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func newTestServer(t *testing.T, m *scriptedModel) (*Server, *store.User) {
	t.Helper()
	s := newTestServerStore(t)
	hash, err := store.HashPassword("hunter22")
	require.NoError(t, err)
	u, err := s.SaveUser(context.Background(), &store.User{Username: "alice", PasswordHash: hash, SessionLimit: 5, Preferences: map[string]any{}})
	require.NoError(t, err)

	srv := New(Config{
		Store: s,
		ModelFactory: func(baseURL, apiKey, modelName string) (model.Model, error) {
			return m, nil
		},
	})
	return srv, u
}

func decodeJSON(t *testing.T, body *bytes.Buffer, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body).Decode(v))
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedModel{})
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "chronoagent_http_requests_total")
}

func TestCreateResumeAndSendMessage(t *testing.T) {
	srv, u := newTestServer(t, &scriptedModel{replies: []*model.Reply{{Content: "hello back"}}})
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/outer-sessions/", createOuterSessionRequest{UserID: u.ID, Name: "chat"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]json.RawMessage
	decodeJSON(t, rec.Body, &created)
	var outer store.OuterSession
	require.NoError(t, json.Unmarshal(created["outer_session"], &outer))

	rec = doRequest(t, h, http.MethodPost, fmt.Sprintf("/outer-sessions/%d/resume", outer.ID), resumeAgentRequest{UserID: u.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, fmt.Sprintf("/outer-sessions/%d/messages", outer.ID), sendMessageRequest{Text: "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	decodeJSON(t, rec.Body, &resp)
	require.False(t, resp["rollback_requested"].(bool))

	rec = doRequest(t, h, http.MethodGet, fmt.Sprintf("/outer-sessions/%d/inner-sessions", outer.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []store.InnerSession
	decodeJSON(t, rec.Body, &sessions)
	require.Len(t, sessions, 1)

	rec = doRequest(t, h, http.MethodGet, fmt.Sprintf("/outer-sessions/%d/tree", outer.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, fmt.Sprintf("/outer-sessions/%d/summary", outer.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaryResp map[string]string
	decodeJSON(t, rec.Body, &summaryResp)
	require.Contains(t, summaryResp["summary"], "hello back")
}

func TestSendMessageWithoutResumeConflicts(t *testing.T) {
	srv, u := newTestServer(t, &scriptedModel{})
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/outer-sessions/", createOuterSessionRequest{UserID: u.ID, Name: "chat"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]json.RawMessage
	decodeJSON(t, rec.Body, &created)
	var outer store.OuterSession
	require.NoError(t, json.Unmarshal(created["outer_session"], &outer))

	rec = doRequest(t, h, http.MethodPost, fmt.Sprintf("/outer-sessions/%d/messages", outer.ID), sendMessageRequest{Text: "hi"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRollbackEndpointCreatesBranchAndListsCheckpoints(t *testing.T) {
	m := &scriptedModel{replies: []*model.Reply{
		{ToolCalls: []model.ToolCall{
			{ID: "1", Name: "create_checkpoint", Arguments: map[string]any{"name": "manual"}},
		}},
		{Content: "done"},
	}}
	srv, u := newTestServer(t, m)
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodPost, "/outer-sessions/", createOuterSessionRequest{UserID: u.ID, Name: "chat"})
	var created map[string]json.RawMessage
	decodeJSON(t, rec.Body, &created)
	var outer store.OuterSession
	var inner store.InnerSession
	require.NoError(t, json.Unmarshal(created["outer_session"], &outer))
	require.NoError(t, json.Unmarshal(created["inner_session"], &inner))

	rec = doRequest(t, h, http.MethodPost, fmt.Sprintf("/outer-sessions/%d/resume", outer.ID), resumeAgentRequest{UserID: u.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, fmt.Sprintf("/outer-sessions/%d/messages", outer.ID), sendMessageRequest{Text: "checkpoint please"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, fmt.Sprintf("/inner-sessions/%s/checkpoints", inner.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var checkpoints []store.Checkpoint
	decodeJSON(t, rec.Body, &checkpoints)
	require.Len(t, checkpoints, 1)

	rec = doRequest(t, h, http.MethodPost, "/rollback", rollbackRequest{OuterSessionID: outer.ID, CheckpointID: checkpoints[0].ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var rollbackResp map[string]string
	decodeJSON(t, rec.Body, &rollbackResp)
	require.NotEmpty(t, rollbackResp["branch_inner_session_id"])
	require.NotEqual(t, inner.ID, rollbackResp["branch_inner_session_id"])
}
