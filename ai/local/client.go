// Package local implements the Provider interface for local inference
// servers speaking the Ollama native API. This is the only family that can
// pull and delete models on demand.
package local

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

// DefaultBaseURL is the standard Ollama listen address.
const DefaultBaseURL = "http://localhost:11434"

func init() {
	provider.RegisterFactory("local", func(cfg *provider.Config) (provider.Provider, error) {
		return NewClient(cfg, logger.Logger), nil
	})
}

// Client talks to one Ollama-compatible server.
type Client struct {
	name       string
	baseURL    string
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

// NewClient creates a client from a stored provider config. Private-IP
// blocking is disabled because local inference servers live on localhost or
// the LAN.
func NewClient(cfg *provider.Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	blockPrivateIP := false
	return &Client{
		name:    cfg.ProviderName,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: httpclient.NewSaferClientWithOptions(cfg.Timeout(), httpclient.SaferClientOptions{
			BlockPrivateIP: &blockPrivateIP,
		}),
		logger: log,
	}
}

func (c *Client) Name() string            { return c.name }
func (c *Client) SupportsModelPull() bool { return true }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options *generateOption `json:"options,omitempty"`
}

type generateOption struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func (c *Client) buildRequest(req provider.GenerateRequest, stream bool) generateRequest {
	out := generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: stream,
	}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		out.Options = &generateOption{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}
	return out
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(httpReq)
}

// Generate runs one non-streaming /api/generate call. Ollama reports eval
// counts on the final response; when it omits them the counts are estimated
// and flagged.
func (c *Client) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResponse, error) {
	var result *provider.GenerateResponse

	err := provider.WithRetry(ctx, func() error {
		start := time.Now()
		resp, err := c.post(ctx, "/api/generate", c.buildRequest(req, false))
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

		var genResp generateResponse
		if err := json.Unmarshal(respBody, &genResp); err != nil {
			return errors.Wrap(err, "unmarshal response")
		}

		out := &provider.GenerateResponse{
			Text:         strings.TrimSpace(genResp.Response),
			InputTokens:  genResp.PromptEvalCount,
			OutputTokens: genResp.EvalCount,
			FinishReason: genResp.DoneReason,
		}
		if out.InputTokens == 0 && out.OutputTokens == 0 {
			out.InputTokens = provider.EstimateTokens(req.System + req.Prompt)
			out.OutputTokens = provider.EstimateTokens(out.Text)
			out.TokensEstimated = true
		}

		c.logger.Debugw("Local generation",
			"provider", c.name,
			"model", req.Model,
			"latency", time.Since(start),
			"tokens_estimated", out.TokensEstimated)

		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateStream runs a streaming /api/generate call. Ollama streams NDJSON,
// one response object per line, with done=true on the last.
func (c *Client) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamChunk, error) {
	resp, err := c.post(ctx, "/api/generate", c.buildRequest(req, true))
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
			if line == "" {
				continue
			}

			var chunk generateResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				out <- provider.StreamChunk{Err: errors.Wrap(err, "decode stream chunk")}
				return
			}
			if chunk.Response != "" {
				select {
				case out <- provider.StreamChunk{Text: chunk.Response}:
				case <-ctx.Done():
					out <- provider.StreamChunk{Err: ctx.Err()}
					return
				}
			}
			if chunk.Done {
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

// ListModels fetches installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

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
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, errors.Wrap(err, "unmarshal model list")
	}

	models := make([]provider.ModelInfo, len(list.Models))
	for i, m := range list.Models {
		models[i] = provider.ModelInfo{Name: m.Name, SizeBytes: m.Size}
	}
	return models, nil
}

// ModelExists checks installed models for an exact name match. A bare name
// also matches its ":latest" tag.
func (c *Client) ModelExists(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == name || m.Name == name+":latest" {
			return true, nil
		}
	}
	return false, nil
}

// PullModel downloads a model via /api/pull, reporting NDJSON progress
// through the callback. Blocks until the pull finishes or ctx is cancelled.
func (c *Client) PullModel(ctx context.Context, name string, progress provider.PullProgress) error {
	resp, err := c.post(ctx, "/api/pull", map[string]interface{}{"model": name, "stream": true})
	if err != nil {
		return errors.Wrapf(err, "pull model %q", name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &provider.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var status struct {
			Status    string `json:"status"`
			Completed int64  `json:"completed,omitempty"`
			Total     int64  `json:"total,omitempty"`
			Error     string `json:"error,omitempty"`
		}
		if err := json.Unmarshal([]byte(line), &status); err != nil {
			continue
		}
		if status.Error != "" {
			return errors.Newf("pull model %q: %s", name, status.Error)
		}
		if progress != nil {
			progress(status.Status, status.Completed, status.Total)
		}
		if status.Status == "success" {
			c.logger.Infow("Model pulled", "provider", c.name, "model", name)
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "read pull stream for model %q", name)
	}
	return nil
}

// DeleteModel removes an installed model via /api/delete.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	payload, err := json.Marshal(map[string]string{"model": name})
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "delete model %q", name)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.NewNotFoundError("model %q", name)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &provider.StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	c.logger.Infow("Model deleted", "provider", c.name, "model", name)
	return nil
}

// HealthCheck probes /api/tags.
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

var (
	_ provider.Provider     = (*Client)(nil)
	_ provider.ModelPuller  = (*Client)(nil)
	_ provider.ModelDeleter = (*Client)(nil)
)
