package provider

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// Factory builds a Provider client from its stored configuration.
type Factory func(cfg *Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a provider-family factory. Family packages call
// this from init(), mirroring database/sql driver registration; the
// composition root blank-imports the families it ships.
func RegisterFactory(family string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[family]; dup {
		panic("provider: RegisterFactory called twice for family " + family)
	}
	factories[family] = f
}

// FamilyFor maps a provider name to its client family. Known vendor names
// get their native family; everything else is treated as OpenAI-compatible,
// which covers DeepSeek, Moonshot, Zhipu, and custom endpoints.
func FamilyFor(providerName string) string {
	switch strings.ToLower(providerName) {
	case "anthropic":
		return "anthropic"
	case "gemini", "google":
		return "gemini"
	case "local", "ollama":
		return "local"
	default:
		return "openai-compat"
	}
}

// Registry loads enabled providers, instantiates family clients, caches
// them, and resolves model identifiers.
type Registry struct {
	configs *ConfigStore
	models  *ModelStore
	logger  *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[string]Provider

	// requestsPerMinute throttles Generate calls per provider. 0 = unlimited.
	requestsPerMinute int
}

// NewRegistry creates a provider registry over the config and model stores.
func NewRegistry(configs *ConfigStore, models *ModelStore, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		configs:           configs,
		models:            models,
		logger:            logger,
		clients:           make(map[string]Provider),
		requestsPerMinute: 60,
	}
}

// SetRequestsPerMinute adjusts the per-provider rate limit for new clients.
func (r *Registry) SetRequestsPerMinute(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestsPerMinute = n
}

// Models returns the model config store.
func (r *Registry) Models() *ModelStore {
	return r.models
}

// Configs returns the provider config store.
func (r *Registry) Configs() *ConfigStore {
	return r.configs
}

// Get returns the cached client for an enabled provider, instantiating it on
// first use.
func (r *Registry) Get(providerName string) (Provider, error) {
	r.mu.RLock()
	if client, ok := r.clients[providerName]; ok {
		r.mu.RUnlock()
		return client, nil
	}
	r.mu.RUnlock()

	cfg, err := r.configs.Get(providerName)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errors.Wrapf(errors.ErrNotFound, "provider %q is disabled", providerName)
	}

	family := FamilyFor(providerName)
	factoriesMu.RLock()
	factory, ok := factories[family]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.Newf("no client family registered for provider %q (family %q)", providerName, family)
	}

	client, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "instantiate provider %q", providerName)
	}

	if r.requestsPerMinute > 0 {
		client = &throttledProvider{
			Provider: client,
			limiter:  rate.NewLimiter(rate.Limit(float64(r.requestsPerMinute)/60.0), r.requestsPerMinute),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[providerName]; ok {
		return existing, nil
	}
	r.clients[providerName] = client
	r.logger.Infow("Provider client instantiated",
		"provider", providerName,
		"family", family)
	return client, nil
}

// Invalidate drops a cached client so the next Get re-reads configuration.
func (r *Registry) Invalidate(providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, providerName)
}

// InvalidateAll drops every cached client. Called on config reload.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]Provider)
}

// HealthCheckAll runs a health check on every enabled provider and returns
// the per-provider result.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	configs, err := r.configs.ListEnabled()
	if err != nil {
		r.logger.Warnw("Health sweep could not list providers", "error", err)
		return results
	}
	for _, cfg := range configs {
		client, err := r.Get(cfg.ProviderName)
		if err != nil {
			results[cfg.ProviderName] = false
			continue
		}
		results[cfg.ProviderName] = client.HealthCheck(ctx)
	}
	return results
}

// ParseModelID splits a "provider:model" identifier on the first colon.
// A bare model name returns an empty provider.
func ParseModelID(id string) (providerName, modelName string) {
	if idx := strings.Index(id, ":"); idx >= 0 {
		return id[:idx], id[idx+1:]
	}
	return "", id
}

// Resolve maps a model identifier to a (provider, model) pair.
//
// "provider:model" resolves directly after checking the provider is known.
// A bare model name consults the model configs first; the FindByModelName
// ordering (lowest provider priority, then lexicographic name) picks the
// winner when several enabled providers serve the same model. With no config
// match, name heuristics decide.
func (r *Registry) Resolve(modelID string) (providerName, modelName string, err error) {
	if modelID == "" {
		return "", "", errors.NewBadInputError("empty model identifier")
	}

	providerName, modelName = ParseModelID(modelID)
	if providerName != "" {
		if modelName == "" {
			return "", "", errors.NewBadInputError("model identifier %q has empty model name", modelID)
		}
		if _, err := r.configs.Get(providerName); err != nil {
			if errors.IsNotFoundError(err) {
				return "", "", errors.NewBadInputError("unknown provider %q in model identifier %q", providerName, modelID)
			}
			return "", "", err
		}
		return providerName, modelName, nil
	}

	matches, err := r.models.FindByModelName(modelName)
	if err != nil {
		return "", "", err
	}
	if len(matches) > 0 {
		return matches[0].ProviderName, modelName, nil
	}

	return HeuristicProvider(modelName), modelName, nil
}

// HeuristicProvider guesses the provider for a bare model name with no
// configuration match.
func HeuristicProvider(modelName string) string {
	lower := strings.ToLower(modelName)
	switch {
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1-"), strings.HasPrefix(lower, "o3-"):
		return "openai"
	case strings.Contains(lower, "deepseek"):
		return "deepseek"
	case strings.Contains(lower, "claude"):
		return "anthropic"
	default:
		return "local"
	}
}

// throttledProvider gates Generate and GenerateStream behind a token-bucket
// limiter shared across workers.
type throttledProvider struct {
	Provider
	limiter *rate.Limiter
}

func (t *throttledProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}
	return t.Provider.Generate(ctx, req)
}

func (t *throttledProvider) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}
	return t.Provider.GenerateStream(ctx, req)
}

func (t *throttledProvider) unwrap() Provider { return t.Provider }

// AsPuller reports whether the provider (or the client it wraps) can pull
// models, returning the pulling surface when it can.
func AsPuller(p Provider) (ModelPuller, bool) {
	for {
		if puller, ok := p.(ModelPuller); ok {
			return puller, true
		}
		wrapper, ok := p.(interface{ unwrap() Provider })
		if !ok {
			return nil, false
		}
		p = wrapper.unwrap()
	}
}

// AsDeleter reports whether the provider (or the client it wraps) can delete
// models.
func AsDeleter(p Provider) (ModelDeleter, bool) {
	for {
		if deleter, ok := p.(ModelDeleter); ok {
			return deleter, true
		}
		wrapper, ok := p.(interface{ unwrap() Provider })
		if !ok {
			return nil, false
		}
		p = wrapper.unwrap()
	}
}
