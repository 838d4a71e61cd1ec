package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/errors"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(&provider.Config{ProviderName: "anthropic", APIKey: "test-key"}, nil)
	c.SetBaseURL(srv.URL)
	c.SetHTTPClient(srv.Client())
	return c, srv
}

func TestGenerateParsesContentBlocks(t *testing.T) {
	var gotReq messagesRequest
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "Hello "},
				{"type": "tool_use", "id": "t1"},
				{"type": "text", "text": "world"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 5},
		})
	}))

	resp, err := c.Generate(context.Background(), provider.GenerateRequest{
		Model:  "claude-3-haiku",
		System: "be brief",
		Prompt: "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", resp.Text, "non-text blocks are skipped")
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.False(t, resp.TokensEstimated)

	assert.Equal(t, "claude-3-haiku", gotReq.Model)
	assert.Equal(t, "be brief", gotReq.System)
	assert.Equal(t, defaultMaxTokens, gotReq.MaxTokens, "the Messages API requires max_tokens")
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "hi", gotReq.Messages[0].Content)
}

func TestGenerateRequiresAPIKey(t *testing.T) {
	hit := false
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	c.apiKey = ""

	_, err := c.Generate(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key")
	assert.False(t, hit)
}

func TestGenerateClientErrorNotRetried(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))

	_, err := c.Generate(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)

	var statusErr *provider.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, 1, calls, "4xx is permanent")
}

func TestGenerateStreamDeltas(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n"))
		w.Write([]byte(`data: {"type":"message_start"}` + "\n\n"))
		w.Write([]byte(": ping\n\n"))
		w.Write([]byte("event: content_block_delta\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}` + "\n\n"))
		w.Write([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}` + "\n\n"))
		w.Write([]byte("event: message_stop\n"))
		w.Write([]byte(`data: {"type":"message_stop"}` + "\n\n"))
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
	assert.Equal(t, "Hello", text)
	assert.True(t, done)
}

func TestGenerateStreamStatusError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid key"))
	}))

	_, err := c.GenerateStream(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)

	var statusErr *provider.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
}

func TestListModelsAndExists(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"id": "claude-3-haiku"},
				{"id": "claude-3-5-sonnet"},
			},
		})
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "claude-3-haiku", models[0].Name)

	ok, err := c.ModelExists(context.Background(), "claude-3-5-sonnet")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ModelExists(context.Background(), "claude-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthCheck(t *testing.T) {
	healthy := true
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.True(t, c.HealthCheck(ctx))

	healthy = false
	assert.False(t, c.HealthCheck(ctx))
}
