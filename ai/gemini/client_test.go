package gemini

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

	c := NewClient(&provider.Config{ProviderName: "gemini", APIKey: "test-key"}, nil)
	c.SetBaseURL(srv.URL)
	c.SetHTTPClient(srv.Client())
	return c
}

func TestGenerateConcatenatesParts(t *testing.T) {
	var gotReq generateContentRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"), "the key travels as a query parameter")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{
					"content": map[string]interface{}{
						"role":  "model",
						"parts": []map[string]string{{"text": "Hola "}, {"text": "mundo"}},
					},
					"finishReason": "STOP",
				},
			},
			"usageMetadata": map[string]int{"promptTokenCount": 15, "candidatesTokenCount": 3},
		})
	}))

	resp, err := c.Generate(context.Background(), provider.GenerateRequest{
		Model:  "gemini-2.0-flash",
		System: "translate",
		Prompt: "hello world",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hola mundo", resp.Text)
	assert.Equal(t, 15, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
	assert.Equal(t, "STOP", resp.FinishReason)
	assert.False(t, resp.TokensEstimated)

	require.Len(t, gotReq.Contents, 1)
	assert.Equal(t, "user", gotReq.Contents[0].Role)
	assert.Equal(t, "hello world", gotReq.Contents[0].Parts[0].Text)
	require.NotNil(t, gotReq.SystemInstruction)
	assert.Equal(t, "translate", gotReq.SystemInstruction.Parts[0].Text)
}

func TestGenerateEstimatesMissingUsage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"translated"}]},"finishReason":"STOP"}]}`))
	}))

	resp, err := c.Generate(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "hello"})
	require.NoError(t, err)

	assert.True(t, resp.TokensEstimated)
	assert.Greater(t, resp.InputTokens, 0)
	assert.Greater(t, resp.OutputTokens, 0)
}

func TestGenerateNoCandidatesFails(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))

	_, err := c.Generate(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
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

func TestGenerateStreamJSONArray(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/m:streamGenerateContent", r.URL.Path)
		w.Write([]byte(`[`))
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hola "}]}}]}`))
		w.Write([]byte(`,{"candidates":[]}`))
		w.Write([]byte(`,{"candidates":[{"content":{"parts":[{"text":"mundo"}]},"finishReason":"STOP"}]}`))
		w.Write([]byte(`]`))
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
	assert.Equal(t, "Hola mundo", text, "empty candidate frames are skipped")
	assert.True(t, done)
}

func TestGenerateStreamStatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"API key not valid"}}`))
	}))

	_, err := c.GenerateStream(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)

	var statusErr *provider.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.Code)
}

func TestListModelsStripsPrefix(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		w.Write([]byte(`{"models":[{"name":"models/gemini-2.0-flash"},{"name":"models/gemini-1.5-pro"}]}`))
	}))

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gemini-2.0-flash", models[0].Name)
	assert.Equal(t, "gemini-1.5-pro", models[1].Name)

	ok, err := c.ModelExists(context.Background(), "gemini-1.5-pro")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerateClientErrorNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"unknown model"}}`))
	}))

	_, err := c.Generate(context.Background(), provider.GenerateRequest{Model: "m", Prompt: "p"})
	require.Error(t, err)

	var statusErr *provider.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, 1, calls)
}
