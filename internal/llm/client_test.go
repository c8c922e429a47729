// ABOUTME: Tests for the HTTP chat gateway client against a local test server.
// ABOUTME: Covers request shape, auth header, error statuses, and empty choices.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherhq/tether-gateway/internal/tools"
)

func TestHTTPClientComplete(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody CompletionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		_ = json.NewEncoder(w).Encode(CompletionResponse{
			Choices: []Choice{{Message: ResponseMessage{Content: "done"}}},
		})
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: server.URL, APIKey: "sk-test"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Provider: "openai",
		Model:    "gpt-4o",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Tools: []tools.FunctionDef{
			{Type: "function", Function: tools.FunctionSpec{Name: "click"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "openai", gotBody.Provider)
	assert.Equal(t, "gpt-4o", gotBody.Model)
	require.Len(t, gotBody.Tools, 1)
	assert.Equal(t, "click", gotBody.Tools[0].Function.Name)

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "done", resp.Choices[0].Message.Content)
}

func TestHTTPClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &CompletionRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestHTTPClientEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(CompletionResponse{})
	}))
	defer server.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &CompletionRequest{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{})
	assert.Error(t, err)
}
