package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "fluxcaption.db")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Pipeline defaults
	v.SetDefault("pipeline.scan_workers", 2)
	v.SetDefault("pipeline.asr_workers", 2)
	v.SetDefault("pipeline.translate_workers", 5)
	v.SetDefault("pipeline.scan_timeout_seconds", 300)       // 5 minutes
	v.SetDefault("pipeline.asr_timeout_seconds", 3600)       // 1 hour
	v.SetDefault("pipeline.translate_timeout_seconds", 1800) // 30 minutes
	v.SetDefault("pipeline.cancel_grace_seconds", 10)
	v.SetDefault("pipeline.resume_interval_seconds", 3600)     // 1 hour
	v.SetDefault("pipeline.quota_reset_interval_seconds", 7200) // 2 hours
	v.SetDefault("pipeline.cleanup_interval_seconds", 86400)   // 24 hours
	v.SetDefault("pipeline.poll_interval_seconds", 1)

	// Translation defaults
	v.SetDefault("translation.batch_size", 10)
	v.SetDefault("translation.max_line_length", 42)
	v.SetDefault("translation.max_text_length", 500)
	v.SetDefault("translation.output_dir", "output")
	v.SetDefault("translation.temp_dir", "tmp")
	v.SetDefault("translation.temperature", 0.3)

	// ASR defaults
	v.SetDefault("asr.auto_segment_threshold_seconds", 600)
	v.SetDefault("asr.segment_overlap_seconds", 10)
	v.SetDefault("asr.sample_rate", 16000)

	// Quota defaults
	v.SetDefault("quota.cache_ttl_seconds", 60)
	v.SetDefault("quota.cache_size", 128)

	// Local model host defaults
	v.SetDefault("local.base_url", "http://localhost:11434")
	v.SetDefault("local.timeout_seconds", 3600)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "FLUXCAPTION_DATABASE_PATH")
	v.BindEnv("redis.addr", "FLUXCAPTION_REDIS_ADDR")
	v.BindEnv("redis.password", "FLUXCAPTION_REDIS_PASSWORD")
	v.BindEnv("media_host.api_key", "FLUXCAPTION_MEDIA_HOST_API_KEY")
	v.BindEnv("quota.alert_token", "FLUXCAPTION_QUOTA_ALERT_TOKEN")
	v.BindEnv("local.base_url", "FLUXCAPTION_LOCAL_BASE_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "fluxcaption.db" // Fallback default
	}
	return c.Database.Path
}
