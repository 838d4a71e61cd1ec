// Package gemini implements the Provider interface for the Google Gemini
// generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/internal/httpclient"
	"github.com/Await-d/FluxCaption-sub000/logger"
)

// BaseURL is the Gemini API endpoint.
const BaseURL = "https://generativelanguage.googleapis.com/v1beta"

func init() {
	provider.RegisterFactory("gemini", func(cfg *provider.Config) (provider.Provider, error) {
		return NewClient(cfg, logger.Logger), nil
	})
}

// Client talks to the Gemini generateContent API. The API key travels as a
// query parameter, not a header.
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

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) buildRequest(req provider.GenerateRequest) generateContentRequest {
	out := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out
}

func (c *Client) endpoint(model, verb string) string {
	return c.baseURL + "/models/" + url.PathEscape(model) + ":" + verb + "?key=" + url.QueryEscape(c.apiKey)
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, errors.Newf("provider %q has no API key configured", c.name)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(httpReq)
}

// Generate issues one generateContent call with transient-error retries.
// Gemini omits exact usage counts on some responses; missing counts are
// estimated and flagged.
func (c *Client) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResponse, error) {
	var result *provider.GenerateResponse

	err := provider.WithRetry(ctx, func() error {
		start := time.Now()
		resp, err := c.post(ctx, c.endpoint(req.Model, "generateContent"), c.buildRequest(req))
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

		var genResp generateContentResponse
		if err := json.Unmarshal(respBody, &genResp); err != nil {
			return errors.Wrap(err, "unmarshal response")
		}
		if len(genResp.Candidates) == 0 {
			return errors.Newf("provider %q returned no candidates", c.name)
		}

		var text strings.Builder
		for _, p := range genResp.Candidates[0].Content.Parts {
			text.WriteString(p.Text)
		}

		out := &provider.GenerateResponse{
			Text:         strings.TrimSpace(text.String()),
			InputTokens:  genResp.UsageMetadata.PromptTokenCount,
			OutputTokens: genResp.UsageMetadata.CandidatesTokenCount,
			FinishReason: genResp.Candidates[0].FinishReason,
		}
		if out.InputTokens == 0 && out.OutputTokens == 0 {
			out.InputTokens = provider.EstimateTokens(req.System + req.Prompt)
			out.OutputTokens = provider.EstimateTokens(out.Text)
			out.TokensEstimated = true
		}

		c.logger.Debugw("Content generated",
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

// GenerateStream issues a streamGenerateContent call. The endpoint returns a
// JSON array of response objects; json.Decoder consumes it incrementally.
func (c *Client) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamChunk, error) {
	resp, err := c.post(ctx, c.endpoint(req.Model, "streamGenerateContent"), c.buildRequest(req))
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

		dec := json.NewDecoder(resp.Body)
		if _, err := dec.Token(); err != nil { // opening '['
			out <- provider.StreamChunk{Err: errors.Wrap(err, "read stream")}
			return
		}
		for dec.More() {
			var chunk generateContentResponse
			if err := dec.Decode(&chunk); err != nil {
				out <- provider.StreamChunk{Err: errors.Wrap(err, "decode stream chunk")}
				return
			}
			if len(chunk.Candidates) == 0 {
				continue
			}
			for _, p := range chunk.Candidates[0].Content.Parts {
				if p.Text == "" {
					continue
				}
				select {
				case out <- provider.StreamChunk{Text: p.Text}:
				case <-ctx.Done():
					out <- provider.StreamChunk{Err: ctx.Err()}
					return
				}
			}
		}
		out <- provider.StreamChunk{Done: true}
	}()
	return out, nil
}

// ListModels fetches the Gemini model catalog. Names arrive as
// "models/gemini-..."; the prefix is stripped.
func (c *Client) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	if c.apiKey == "" {
		return nil, errors.Newf("provider %q has no API key configured", c.name)
	}
	endpoint := c.baseURL + "/models?key=" + url.QueryEscape(c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, errors.Wrap(err, "unmarshal model list")
	}

	models := make([]provider.ModelInfo, len(list.Models))
	for i, m := range list.Models {
		models[i] = provider.ModelInfo{Name: strings.TrimPrefix(m.Name, "models/")}
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
