package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/engage/ai/openrouter"
)

func TestChat_MessagesAPI(t *testing.T) {
	// Given a Messages API that answers with two text blocks
	var got MessagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(MessagesResponse{
			Content: []ContentBlock{{Type: "text", Text: "Nice "}, {Type: "text", Text: "write-up. "}},
			Usage:   Usage{InputTokens: 30, OutputTokens: 4},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "secret"})
	c.SetHTTPClient(srv.Client())
	c.SetBaseURL(srv.URL)

	// When chatting with the provider-neutral request
	resp, err := c.Chat(context.Background(), openrouter.ChatRequest{SystemPrompt: "persona", UserPrompt: "post"})
	require.NoError(t, err)

	// Then the system prompt travels separately and text blocks are joined
	assert.Equal(t, "persona", got.System)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, 200, got.MaxTokens)
	assert.Equal(t, "Nice write-up.", resp.Content)
	assert.Equal(t, 34, resp.Usage.TotalTokens)
}

func TestChat_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "invalid model", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "secret"})
	c.SetHTTPClient(srv.Client())
	c.SetBaseURL(srv.URL)

	_, err := c.Chat(context.Background(), openrouter.ChatRequest{UserPrompt: "post"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestChat_RequiresKey(t *testing.T) {
	c := NewClient(Config{})
	assert.False(t, c.IsConfigured())
	_, err := c.Chat(context.Background(), openrouter.ChatRequest{UserPrompt: "post"})
	assert.ErrorContains(t, err, "API key not configured")
}
