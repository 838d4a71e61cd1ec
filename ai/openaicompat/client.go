// Package openaicompat implements the Provider interface for the
// OpenAI-compatible HTTPS family: OpenAI itself, DeepSeek, Moonshot, Zhipu,
// and any custom endpoint speaking /chat/completions.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/internal/httpclient"
	"github.com/Await-d/FluxCaption-sub000/logger"
)

func init() {
	provider.RegisterFactory("openai-compat", func(cfg *provider.Config) (provider.Provider, error) {
		return NewClient(cfg, logger.Logger), nil
	})
}

// defaultBaseURLs maps known vendors in this family to their endpoints.
var defaultBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"moonshot": "https://api.moonshot.cn/v1",
	"zhipu":    "https://open.bigmodel.cn/api/paas/v4",
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

// NewClient creates a client from a stored provider config.
func NewClient(cfg *provider.Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[strings.ToLower(cfg.ProviderName)]
	}
	return &Client{
		name:       cfg.ProviderName,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpclient.NewSaferClient(cfg.Timeout()),
		logger:     log,
	}
}

func (c *Client) Name() string            { return c.name }
func (c *Client) SupportsModelPull() bool { return false }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) buildRequest(req provider.GenerateRequest, stream bool) chatCompletionRequest {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	return chatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, errors.Newf("provider %q has no API key configured", c.name)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.httpClient.Do(httpReq)
}

// Generate issues one chat completion with transient-error retries.
func (c *Client) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResponse, error) {
	var result *provider.GenerateResponse

	err := provider.WithRetry(ctx, func() error {
		start := time.Now()
		resp, err := c.post(ctx, "/chat/completions", c.buildRequest(req, false))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "read response")
		}
		if resp.StatusCode != http.StatusOK {
			return &provider.StatusError{Code: resp.StatusCode, Body: string(respBody)}
		}

		var chatResp chatCompletionResponse
		if err := json.Unmarshal(respBody, &chatResp); err != nil {
			return errors.Wrap(err, "unmarshal response")
		}
		if len(chatResp.Choices) == 0 {
			return errors.Newf("provider %q returned no choices", c.name)
		}

		c.logger.Debugw("Chat completion",
			"provider", c.name,
			"model", req.Model,
			"latency", time.Since(start),
			"total_tokens", chatResp.Usage.TotalTokens)

		result = &provider.GenerateResponse{
			Text:         strings.TrimSpace(chatResp.Choices[0].Message.Content),
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			FinishReason: chatResp.Choices[0].FinishReason,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateStream issues a streaming chat completion, relaying SSE data lines
// until the [DONE] sentinel.
func (c *Client) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamChunk, error) {
	resp, err := c.post(ctx, "/chat/completions", c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &provider.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	out := make(chan provider.StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				out <- provider.StreamChunk{Done: true}
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue // tolerate malformed keepalive frames
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case out <- provider.StreamChunk{Text: text}:
				case <-ctx.Done():
					out <- provider.StreamChunk{Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- provider.StreamChunk{Err: errors.Wrap(err, "read stream")}
			return
		}
		out <- provider.StreamChunk{Done: true}
	}()
	return out, nil
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels fetches the provider's model catalog.
func (c *Client) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "list models")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &provider.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var list modelListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, errors.Wrap(err, "unmarshal model list")
	}

	models := make([]provider.ModelInfo, len(list.Data))
	for i, m := range list.Data {
		models[i] = provider.ModelInfo{Name: m.ID}
	}
	return models, nil
}

// ModelExists checks the model catalog for an exact name match.
func (c *Client) ModelExists(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// HealthCheck probes the model catalog endpoint.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.ListModels(ctx)
	return err == nil
}

// SetHTTPClient overrides the HTTP client for testing.
// Only use this in tests; production uses the SSRF-safer default.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}

// SetBaseURL overrides the endpoint for testing.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimSuffix(url, "/")
}

var _ provider.Provider = (*Client)(nil)
