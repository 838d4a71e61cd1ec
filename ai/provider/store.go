package provider

import (
	"database/sql"
	"time"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// Config is one provider_configs row.
type Config struct {
	ID             int64
	ProviderName   string
	DisplayName    string
	Enabled        bool
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
	DefaultModel   string
	Priority       int
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Timeout returns the request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ModelConfig is one model_configs row. Prices are USD per million tokens.
type ModelConfig struct {
	ID              int64
	ProviderName    string
	ModelName       string
	DisplayName     string
	Enabled         bool
	ContextWindow   int
	MaxOutputTokens int
	InputPricePerM  float64
	OutputPricePerM float64
	IsDefault       bool
	Priority        int
	RequestCount    int64
	TokenCount      int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ConfigStore reads and writes provider_configs rows.
type ConfigStore struct {
	db *sql.DB
}

// NewConfigStore creates a provider config store.
func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

const providerConfigColumns = `id, provider_name, display_name, enabled, COALESCE(api_key, ''),
	COALESCE(base_url, ''), timeout_seconds, COALESCE(default_model, ''), priority,
	COALESCE(description, ''), created_at, updated_at`

func scanProviderConfig(row interface{ Scan(...interface{}) error }) (*Config, error) {
	var c Config
	err := row.Scan(&c.ID, &c.ProviderName, &c.DisplayName, &c.Enabled, &c.APIKey,
		&c.BaseURL, &c.TimeoutSeconds, &c.DefaultModel, &c.Priority,
		&c.Description, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get fetches one provider config by name.
func (s *ConfigStore) Get(name string) (*Config, error) {
	row := s.db.QueryRow(`SELECT `+providerConfigColumns+` FROM provider_configs WHERE provider_name = ?`, name)
	cfg, err := scanProviderConfig(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("provider %q", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get provider %q", name)
	}
	return cfg, nil
}

// ListEnabled returns enabled providers ordered by priority then name.
func (s *ConfigStore) ListEnabled() ([]Config, error) {
	return s.list(`SELECT ` + providerConfigColumns + ` FROM provider_configs WHERE enabled = 1 ORDER BY priority ASC, provider_name ASC`)
}

// ListAll returns every provider config.
func (s *ConfigStore) ListAll() ([]Config, error) {
	return s.list(`SELECT ` + providerConfigColumns + ` FROM provider_configs ORDER BY priority ASC, provider_name ASC`)
}

func (s *ConfigStore) list(query string) ([]Config, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "list providers")
	}
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		cfg, err := scanProviderConfig(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan provider")
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// Upsert inserts or updates a provider config keyed by provider_name.
func (s *ConfigStore) Upsert(cfg *Config) error {
	_, err := s.db.Exec(`
		INSERT INTO provider_configs (provider_name, display_name, enabled, api_key, base_url,
			timeout_seconds, default_model, priority, description, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(provider_name) DO UPDATE SET
			display_name = excluded.display_name,
			enabled = excluded.enabled,
			api_key = excluded.api_key,
			base_url = excluded.base_url,
			timeout_seconds = excluded.timeout_seconds,
			default_model = excluded.default_model,
			priority = excluded.priority,
			description = excluded.description,
			updated_at = CURRENT_TIMESTAMP`,
		cfg.ProviderName, cfg.DisplayName, cfg.Enabled, cfg.APIKey, cfg.BaseURL,
		cfg.TimeoutSeconds, cfg.DefaultModel, cfg.Priority, cfg.Description)
	return errors.Wrapf(err, "upsert provider %q", cfg.ProviderName)
}

// SetEnabled flips the enabled flag for a provider.
func (s *ConfigStore) SetEnabled(name string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE provider_configs SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE provider_name = ?`,
		enabled, name)
	if err != nil {
		return errors.Wrapf(err, "set enabled for provider %q", name)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.NewNotFoundError("provider %q", name)
	}
	return nil
}

// ModelStore reads and writes model_configs rows.
type ModelStore struct {
	db *sql.DB
}

// NewModelStore creates a model config store.
func NewModelStore(db *sql.DB) *ModelStore {
	return &ModelStore{db: db}
}

const modelConfigColumns = `id, provider_name, model_name, display_name, enabled,
	context_window, max_output_tokens, input_price_per_m, output_price_per_m,
	is_default, priority, request_count, token_count, created_at, updated_at`

func scanModelConfig(row interface{ Scan(...interface{}) error }) (*ModelConfig, error) {
	var m ModelConfig
	err := row.Scan(&m.ID, &m.ProviderName, &m.ModelName, &m.DisplayName, &m.Enabled,
		&m.ContextWindow, &m.MaxOutputTokens, &m.InputPricePerM, &m.OutputPricePerM,
		&m.IsDefault, &m.Priority, &m.RequestCount, &m.TokenCount, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Get fetches one model config.
func (s *ModelStore) Get(providerName, modelName string) (*ModelConfig, error) {
	row := s.db.QueryRow(`SELECT `+modelConfigColumns+` FROM model_configs WHERE provider_name = ? AND model_name = ?`,
		providerName, modelName)
	m, err := scanModelConfig(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("model %s:%s", providerName, modelName)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get model %s:%s", providerName, modelName)
	}
	return m, nil
}

// FindByModelName returns enabled model configs matching a bare model name,
// restricted to enabled providers, ordered for deterministic tie-breaking:
// lowest provider priority first, then lexicographic provider name.
func (s *ModelStore) FindByModelName(modelName string) ([]ModelConfig, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.provider_name, m.model_name, m.display_name, m.enabled,
			m.context_window, m.max_output_tokens, m.input_price_per_m, m.output_price_per_m,
			m.is_default, m.priority, m.request_count, m.token_count, m.created_at, m.updated_at
		FROM model_configs m
		JOIN provider_configs p ON p.provider_name = m.provider_name
		WHERE m.model_name = ? AND m.enabled = 1 AND p.enabled = 1
		ORDER BY p.priority ASC, p.provider_name ASC`, modelName)
	if err != nil {
		return nil, errors.Wrapf(err, "find model %q", modelName)
	}
	defer rows.Close()

	var models []ModelConfig
	for rows.Next() {
		m, err := scanModelConfig(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan model")
		}
		models = append(models, *m)
	}
	return models, rows.Err()
}

// Upsert inserts or updates a model config keyed by (provider_name, model_name).
func (s *ModelStore) Upsert(m *ModelConfig) error {
	_, err := s.db.Exec(`
		INSERT INTO model_configs (provider_name, model_name, display_name, enabled,
			context_window, max_output_tokens, input_price_per_m, output_price_per_m,
			is_default, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(provider_name, model_name) DO UPDATE SET
			display_name = excluded.display_name,
			enabled = excluded.enabled,
			context_window = excluded.context_window,
			max_output_tokens = excluded.max_output_tokens,
			input_price_per_m = excluded.input_price_per_m,
			output_price_per_m = excluded.output_price_per_m,
			priority = excluded.priority,
			updated_at = CURRENT_TIMESTAMP`,
		m.ProviderName, m.ModelName, m.DisplayName, m.Enabled,
		m.ContextWindow, m.MaxOutputTokens, m.InputPricePerM, m.OutputPricePerM,
		m.IsDefault, m.Priority)
	return errors.Wrapf(err, "upsert model %s:%s", m.ProviderName, m.ModelName)
}

// SetDefault marks one model as the provider's default, clearing any prior
// default in the same transaction so the uniqueness invariant holds.
func (s *ModelStore) SetDefault(providerName, modelName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin set-default tx")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE model_configs SET is_default = 0, updated_at = CURRENT_TIMESTAMP
		WHERE provider_name = ? AND is_default = 1`, providerName); err != nil {
		return errors.Wrapf(err, "clear default for provider %q", providerName)
	}

	res, err := tx.Exec(`UPDATE model_configs SET is_default = 1, updated_at = CURRENT_TIMESTAMP
		WHERE provider_name = ? AND model_name = ?`, providerName, modelName)
	if err != nil {
		return errors.Wrapf(err, "set default %s:%s", providerName, modelName)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.NewNotFoundError("model %s:%s", providerName, modelName)
	}

	return errors.Wrap(tx.Commit(), "commit set-default tx")
}

// GetDefault returns the provider's default model, if any.
func (s *ModelStore) GetDefault(providerName string) (*ModelConfig, error) {
	row := s.db.QueryRow(`SELECT `+modelConfigColumns+` FROM model_configs
		WHERE provider_name = ? AND is_default = 1`, providerName)
	m, err := scanModelConfig(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("default model for provider %q", providerName)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get default model for %q", providerName)
	}
	return m, nil
}

// IncrementUsage bumps the per-model request and token counters.
func (s *ModelStore) IncrementUsage(providerName, modelName string, tokens int) error {
	_, err := s.db.Exec(`UPDATE model_configs
		SET request_count = request_count + 1,
			token_count = token_count + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE provider_name = ? AND model_name = ?`,
		tokens, providerName, modelName)
	return errors.Wrapf(err, "increment usage %s:%s", providerName, modelName)
}
