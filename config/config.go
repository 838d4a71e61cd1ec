package config

// Config represents the core FluxCaption configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Translation TranslationConfig `mapstructure:"translation"`
	ASR         ASRConfig         `mapstructure:"asr"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	MediaHost   MediaHostConfig   `mapstructure:"media_host"`
	Local       LocalConfig       `mapstructure:"local"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig configures the pub/sub broker backing the event bus
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // host:port (default: "localhost:6379")
	Password string `mapstructure:"password"` // empty = no auth
	DB       int    `mapstructure:"db"`
}

// PipelineConfig configures the job queues and schedulers
type PipelineConfig struct {
	// Per-queue worker caps
	ScanWorkers      int `mapstructure:"scan_workers"`      // default: 2
	ASRWorkers       int `mapstructure:"asr_workers"`       // default: 2
	TranslateWorkers int `mapstructure:"translate_workers"` // default: 5

	// Per-queue wall-clock timeouts in seconds
	ScanTimeoutSeconds      int `mapstructure:"scan_timeout_seconds"`      // default: 300
	ASRTimeoutSeconds       int `mapstructure:"asr_timeout_seconds"`       // default: 3600
	TranslateTimeoutSeconds int `mapstructure:"translate_timeout_seconds"` // default: 1800

	// Grace period before hard-killing a cancelled worker
	CancelGraceSeconds int `mapstructure:"cancel_grace_seconds"` // default: 10

	// Scheduler intervals
	ResumeIntervalSeconds     int `mapstructure:"resume_interval_seconds"`      // default: 3600
	QuotaResetIntervalSeconds int `mapstructure:"quota_reset_interval_seconds"` // default: 7200
	CleanupIntervalSeconds    int `mapstructure:"cleanup_interval_seconds"`     // default: 86400

	// Dispatcher poll interval
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // default: 1
}

// TranslationConfig configures the translation engine
type TranslationConfig struct {
	BatchSize     int    `mapstructure:"batch_size"`      // cues per LLM call (default: 10)
	MaxLineLength int    `mapstructure:"max_line_length"` // soft-wrap threshold, 0 = disabled (default: 42)
	MaxTextLength int    `mapstructure:"max_text_length"` // post-phase validation bound (default: 500)
	OutputDir     string `mapstructure:"output_dir"`      // produced subtitle files live under {output_dir}/{job_id}/
	TempDir       string `mapstructure:"temp_dir"`        // per-job working directories
	Temperature   float64 `mapstructure:"temperature"`    // sampling temperature (default: 0.3)
}

// ASRConfig configures audio extraction and transcription
type ASRConfig struct {
	AutoSegmentThresholdSeconds int `mapstructure:"auto_segment_threshold_seconds"` // default: 600
	SegmentOverlapSeconds       int `mapstructure:"segment_overlap_seconds"`        // default: 10
	SampleRate                  int `mapstructure:"sample_rate"`                    // default: 16000
}

// QuotaConfig configures quota enforcement and alerting
type QuotaConfig struct {
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"` // quota decision cache TTL (default: 60)
	CacheSize       int    `mapstructure:"cache_size"`        // LRU entries (default: 128)
	AlertWebhookURL string `mapstructure:"alert_webhook_url"` // empty = alerts disabled
	AlertToken      string `mapstructure:"alert_token"`       // optional bearer token
}

// MediaHostConfig configures the media host the writeback phase uploads to
type MediaHostConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// LocalConfig configures the local model host (Ollama-compatible)
type LocalConfig struct {
	BaseURL        string `mapstructure:"base_url"`        // e.g., "http://localhost:11434"
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // request timeout (default: 3600)
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
