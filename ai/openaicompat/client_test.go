package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/errors"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(&provider.Config{ProviderName: "openai", APIKey: "sk-test"}, nil)
	c.SetBaseURL(srv.URL)
	c.SetHTTPClient(srv.Client())
	return c
}

func TestGenerateChatCompletion(t *testing.T) {
	var gotReq chatCompletionRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{
					"message":       map[string]string{"role": "assistant", "content": "  你好  "},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24},
		})
	}))

	resp, err := c.Generate(context.Background(), provider.GenerateRequest{
		Model:  "gpt-4o-mini",
		System: "translate",
		Prompt: "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "你好", resp.Text, "surrounding whitespace is trimmed")
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 4, resp.OutputTokens)
	assert.Equal(t, "stop", resp.FinishReason)

	require.Len(t, gotReq.Messages, 2, "system prompt becomes its own message")
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "translate", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.False(t, gotReq.Stream)
}

func TestGenerateNoChoicesFails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[],"usage":{}}`))
	}))

	_, err := c.Generate(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestGenerateRequiresAPIKey(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server must not be reached without a key")
	}))
	c.apiKey = ""

	_, err := c.Generate(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
}

func TestGenerateStreamUntilDone(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n"))
		w.Write([]byte("not-a-data-line\n"))
		w.Write([]byte(`data: {malformed json` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"ignored"}}]}` + "\n\n"))
	}))

	ch, err := c.GenerateStream(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)

	var text string
	var done bool
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Text
		done = done || chunk.Done
	}
	assert.Equal(t, "Hello", text, "malformed frames are tolerated, post-DONE frames dropped")
	assert.True(t, done)
}

func TestGenerateStreamStatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("quota exhausted"))
	}))

	_, err := c.GenerateStream(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)

	var statusErr *provider.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.Code)
	assert.Contains(t, statusErr.Body, "quota exhausted")
}

func TestListModelsAndExists(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"id": "gpt-4o-mini"},
				{"id": "gpt-4o"},
			},
		})
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o-mini", models[0].Name)

	ok, err := c.ModelExists(context.Background(), "gpt-4o")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ModelExists(context.Background(), "gpt-3.5-turbo")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewClientVendorDefaults(t *testing.T) {
	c := NewClient(&provider.Config{ProviderName: "DeepSeek", APIKey: "k"}, nil)
	assert.Equal(t, "https://api.deepseek.com/v1", c.baseURL, "vendor lookup is case-insensitive")

	custom := NewClient(&provider.Config{ProviderName: "gateway", APIKey: "k", BaseURL: "https://llm.internal/v1/"}, nil)
	assert.Equal(t, "https://llm.internal/v1", custom.baseURL, "trailing slash is trimmed")
}
