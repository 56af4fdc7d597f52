package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. MAIL_TRIAGE_LLM_PROVIDER
const EnvPrefix = "MAIL_TRIAGE"

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from the standard search paths
// when path is empty
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/llm-mail-triage/")
		v.AddConfigPath("$HOME/.llm-mail-triage")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model_name", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 1000)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.top_p", 0.9)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-1.5-flash")
	v.SetDefault("gemini.max_tokens", 1000)
	v.SetDefault("gemini.temperature", 0.1)
	v.SetDefault("gemini.top_p", 0.9)

	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-3-haiku-20240307-v1:0")
	v.SetDefault("bedrock.max_tokens", 1000)
	v.SetDefault("bedrock.temperature", 0.1)
	v.SetDefault("bedrock.top_p", 0.9)

	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.batch_delay", "1s")
	v.SetDefault("pipeline.batch_concurrency", 10)
	v.SetDefault("pipeline.max_body_size", 8192)
	v.SetDefault("pipeline.model_timeout", "30s")
	v.SetDefault("pipeline.provider_timeout", "30s")
	v.SetDefault("pipeline.default_max_results", 50)
	v.SetDefault("pipeline.model_retry.max_attempts", 3)
	v.SetDefault("pipeline.model_retry.initial_backoff", "500ms")
	v.SetDefault("pipeline.model_retry.max_backoff", "10s")
	v.SetDefault("pipeline.model_retry.multiplier", 2.0)
	v.SetDefault("pipeline.fetch_retry.max_attempts", 3)
	v.SetDefault("pipeline.fetch_retry.initial_backoff", "1s")
	v.SetDefault("pipeline.fetch_retry.max_backoff", "15s")
	v.SetDefault("pipeline.fetch_retry.multiplier", 2.0)
	v.SetDefault("pipeline.stale_after", "30m")
	v.SetDefault("pipeline.sweep_interval", "5m")
	v.SetDefault("pipeline.retention", "720h")

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.redis.address", "localhost:6379")
	v.SetDefault("ratelimit.redis.password", "")
	v.SetDefault("ratelimit.redis.db", 0)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.cleanup_frequency", "1m")
	v.SetDefault("cache.sqlite_path", "/data/triage_cache.db")
	v.SetDefault("cache.mysql_dsn", "user:password@tcp(localhost:3306)/mail_triage?parseTime=true")
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.ttl.email_list", "300s")
	v.SetDefault("cache.ttl.analysis", "3600s")
	v.SetDefault("cache.ttl.user_profile", "1800s")
	v.SetDefault("cache.ttl.slack", "60s")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "/data/triage.db")
	v.SetDefault("store.mysql_dsn", "user:password@tcp(localhost:3306)/mail_triage?parseTime=true")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("queue.kafka.topic", "mail-triage-jobs")
	v.SetDefault("queue.kafka.group_id", "mail-triage-workers")

	v.SetDefault("providers.gmail.enabled", true)
	v.SetDefault("providers.gmail.endpoint", "")
	v.SetDefault("providers.gmail.page_size", 100)
	v.SetDefault("providers.outlook.enabled", true)
	v.SetDefault("providers.outlook.endpoint", "https://graph.microsoft.com/v1.0")
	v.SetDefault("providers.outlook.page_size", 50)
	v.SetDefault("providers.smtp_inbox.enabled", false)
	v.SetDefault("providers.smtp_inbox.listen_address", "0.0.0.0:2525")
	v.SetDefault("providers.smtp_inbox.domain", "localhost")
	v.SetDefault("providers.smtp_inbox.max_mailboxes", 1000)
	v.SetDefault("providers.smtp_inbox.max_messages", 500)
	v.SetDefault("providers.smtp_inbox.max_message_bytes", 10*1024*1024)

	v.SetDefault("http.listen_address", "0.0.0.0:8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	raw := c.GetString(key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// durationOr returns the duration at key, or def when unset or invalid
func (c *Config) durationOr(key string, def time.Duration) time.Duration {
	d, err := c.GetDuration(key)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
