package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronoagent/chronoagent/pkg/model"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{APIKey: "sk-test-key", BaseURL: url, Model: "gpt-4o"})
	require.NoError(t, err)
	return c
}

func TestInvoke_SendsRequestAndParsesContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 1)
		require.Equal(t, "user", req.Messages[0].Role)

		resp := chatCompletionResponse{
			Choices: []chatChoice{{Message: chatResponseMessage{Content: "hello there"}}},
			Usage:   apiUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	reply, err := c.Invoke(context.Background(), []model.Message{{Role: "user", Content: "hi"}}, nil, model.Config{})
	require.NoError(t, err)
	require.Equal(t, "hello there", reply.Content)
	require.False(t, reply.HasToolCalls())
	require.Equal(t, 15, reply.Usage.TotalTokens)
}

func TestInvoke_SendsToolsAndParsesToolCallArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		require.Equal(t, "get_weather", req.Tools[0].Function.Name)

		resp := chatCompletionResponse{
			Choices: []chatChoice{{
				Message: chatResponseMessage{
					ToolCalls: []apiToolCallItem{
						{
							ID: "call_1",
							Function: struct {
								Name      string `json:"name"`
								Arguments string `json:"arguments"`
							}{Name: "get_weather", Arguments: `{"city":"boston"}`},
						},
					},
				},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	tools := []model.ToolDefinition{{Name: "get_weather", Description: "look up weather"}}
	reply, err := c.Invoke(context.Background(), []model.Message{{Role: "user", Content: "weather?"}}, tools, model.Config{})
	require.NoError(t, err)
	require.True(t, reply.HasToolCalls())
	require.Equal(t, "get_weather", reply.ToolCalls[0].Name)
	require.Equal(t, "boston", reply.ToolCalls[0].Arguments["city"])
}

func TestInvoke_ConfigOverridesApply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o-mini", req.Model)
		require.NotNil(t, req.Temperature)
		require.InDelta(t, 0.2, *req.Temperature, 0.0001)
		require.Equal(t, 256, req.MaxTokens)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []chatChoice{{Message: chatResponseMessage{Content: "ok"}}},
		}))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	temp := 0.2
	maxTokens := 256
	_, err := c.Invoke(context.Background(), []model.Message{{Role: "user", Content: "hi"}}, nil, model.Config{
		Model:       "gpt-4o-mini",
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	require.NoError(t, err)
}

func TestInvoke_HTTPErrorStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer server.Close()

	c, err := New(Config{APIKey: "sk-test-key", BaseURL: server.URL, MaxRetries: 1})
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), []model.Message{{Role: "user", Content: "hi"}}, nil, model.Config{})
	require.Error(t, err)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
