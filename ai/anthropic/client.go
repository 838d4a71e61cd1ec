// Package anthropic implements the Provider interface for the Anthropic
// Messages API.
package anthropic

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

const (
	// BaseURL is the Anthropic API endpoint.
	BaseURL = "https://api.anthropic.com/v1"

	// APIVersion is the required anthropic-version header value.
	APIVersion = "2023-06-01"

	// defaultMaxTokens applies when a request leaves MaxTokens unset; the
	// Messages API rejects requests without it.
	defaultMaxTokens = 4096
)

func init() {
	provider.RegisterFactory("anthropic", func(cfg *provider.Config) (provider.Provider, error) {
		return NewClient(cfg, logger.Logger), nil
	})
}

// Client talks to the Anthropic Messages API.
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
		baseURL = BaseURL
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

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

func (c *Client) buildRequest(req provider.GenerateRequest, stream bool) messagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return messagesRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.System,
		Stream:      stream,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
	}
}

func (c *Client) post(ctx context.Context, body messagesRequest) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, errors.Newf("provider %q has no API key configured", c.name)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
	return c.httpClient.Do(httpReq)
}

// Generate sends one Messages request with transient-error retries. Text
// blocks are concatenated; other block types are ignored.
func (c *Client) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResponse, error) {
	var result *provider.GenerateResponse

	err := provider.WithRetry(ctx, func() error {
		start := time.Now()
		resp, err := c.post(ctx, c.buildRequest(req, false))
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

		var msgResp messagesResponse
		if err := json.Unmarshal(respBody, &msgResp); err != nil {
			return errors.Wrap(err, "unmarshal response")
		}

		var text strings.Builder
		for _, block := range msgResp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}

		c.logger.Debugw("Messages completion",
			"provider", c.name,
			"model", req.Model,
			"latency", time.Since(start),
			"input_tokens", msgResp.Usage.InputTokens,
			"output_tokens", msgResp.Usage.OutputTokens)

		result = &provider.GenerateResponse{
			Text:         strings.TrimSpace(text.String()),
			InputTokens:  msgResp.Usage.InputTokens,
			OutputTokens: msgResp.Usage.OutputTokens,
			FinishReason: msgResp.StopReason,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateStream sends a streaming Messages request, relaying
// content_block_delta text until message_stop.
func (c *Client) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamChunk, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
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
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Text != "" {
					select {
					case out <- provider.StreamChunk{Text: event.Delta.Text}:
					case <-ctx.Done():
						out <- provider.StreamChunk{Err: ctx.Err()}
						return
					}
				}
			case "message_stop":
				out <- provider.StreamChunk{Done: true}
				return
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

// ListModels fetches the Anthropic model catalog.
func (c *Client) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

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

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
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
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}

// SetBaseURL overrides the endpoint for testing.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimSuffix(url, "/")
}

var _ provider.Provider = (*Client)(nil)
