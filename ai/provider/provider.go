// Package provider defines the AI-provider capability interface, the
// provider/model configuration stores, and the registry that resolves
// "provider:model" identifiers to cached client instances.
package provider

import (
	"context"
	"time"
)

// ModelInfo describes one model available on a provider.
type ModelInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// GenerateRequest is a single text-generation call.
type GenerateRequest struct {
	Model       string
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int // 0 = provider default
}

// GenerateResponse is the result of a generation call. Token counts are
// zero when the provider omits usage data; TokensEstimated marks counts
// filled in by local estimation.
type GenerateResponse struct {
	Text            string
	InputTokens     int
	OutputTokens    int
	FinishReason    string
	TokensEstimated bool
}

// StreamChunk is one fragment of a streamed generation.
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// PullProgress reports model download progress to the caller.
type PullProgress func(status string, completed, total int64)

// Provider is the capability surface every provider family implements.
type Provider interface {
	Name() string
	SupportsModelPull() bool
	ListModels(ctx context.Context) ([]ModelInfo, error)
	ModelExists(ctx context.Context, name string) (bool, error)
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	// GenerateStream returns a channel of text fragments. The channel is
	// closed after the final chunk (Done=true) or an error chunk.
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) bool
}

// ModelPuller is implemented by providers that can download models locally.
type ModelPuller interface {
	PullModel(ctx context.Context, name string, progress PullProgress) error
}

// ModelDeleter is implemented by providers that can remove local models.
type ModelDeleter interface {
	DeleteModel(ctx context.Context, name string) error
}
