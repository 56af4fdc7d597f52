package config

import (
	"sort"
	"strings"
	"time"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// LLMConfig represents the configuration for the LLM provider
type LLMConfig struct {
	Provider string
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// OpenAIConfig represents the configuration for OpenAI
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// PipelineConfig holds batch, timeout, retry and maintenance settings
type PipelineConfig struct {
	BatchSize         int
	BatchDelay        time.Duration
	BatchConcurrency  int
	MaxBodySize       int
	ModelTimeout      time.Duration
	ProviderTimeout   time.Duration
	DefaultMaxResults int
	ModelRetry        core.RetryPolicy
	FetchRetry        core.RetryPolicy
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	Retention         time.Duration
}

// RedisConfig addresses a Redis server
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RateLimitConfig selects the limiter backend and its profiles
type RateLimitConfig struct {
	Backend  string
	Redis    RedisConfig
	Profiles map[string]core.RateLimitProfile
}

// CacheConfig selects the cache backend and its TTLs
type CacheConfig struct {
	Backend          string
	CleanupFrequency time.Duration
	SQLitePath       string
	MySQLDSN         string
	Redis            RedisConfig
	TTLs             core.CacheTTLs
}

// StoreConfig selects the job store backend
type StoreConfig struct {
	Backend    string
	SQLitePath string
	MySQLDSN   string
}

// KafkaConfig configures the Kafka job queue
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// QueueConfig selects the job queue backend
type QueueConfig struct {
	Backend string
	Kafka   KafkaConfig
}

// ProviderConfig configures one REST mail provider
type ProviderConfig struct {
	Enabled  bool
	Endpoint string
	PageSize int
}

// SMTPInboxConfig configures the forwarding inbox listener
type SMTPInboxConfig struct {
	Enabled         bool
	ListenAddress   string
	Domain          string
	Accounts        []string
	MaxMailboxes    int
	MaxMessages     int
	MaxMessageBytes int64
}

// HTTPConfig configures the trigger API
type HTTPConfig struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// UserConfig is one entry of the static user directory
type UserConfig struct {
	Role        string                      `mapstructure:"role"`
	Industry    string                      `mapstructure:"industry"`
	Preferences map[string]string           `mapstructure:"preferences"`
	VIPContacts []string                    `mapstructure:"vip_contacts"`
	Credentials map[string]CredentialConfig `mapstructure:"credentials"`
}

// CredentialConfig is a statically configured provider token
type CredentialConfig struct {
	Account     string `mapstructure:"account"`
	AccessToken string `mapstructure:"access_token"`
}

// GetLLM returns the LLM configuration
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		Provider: c.GetString("llm.provider"),
	}
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		BaseURL:     c.GetString("openai.base_url"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
	}
}

func (c *Config) retryPolicy(prefix string, def core.RetryPolicy) core.RetryPolicy {
	p := core.RetryPolicy{
		MaxAttempts:    c.GetInt(prefix + ".max_attempts"),
		InitialBackoff: c.durationOr(prefix+".initial_backoff", def.InitialBackoff),
		MaxBackoff:     c.durationOr(prefix+".max_backoff", def.MaxBackoff),
		Multiplier:     c.GetFloat64(prefix + ".multiplier"),
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// GetPipeline returns the pipeline configuration
func (c *Config) GetPipeline() PipelineConfig {
	return PipelineConfig{
		BatchSize:         c.GetInt("pipeline.batch_size"),
		BatchDelay:        c.durationOr("pipeline.batch_delay", 0),
		BatchConcurrency:  c.GetInt("pipeline.batch_concurrency"),
		MaxBodySize:       c.GetInt("pipeline.max_body_size"),
		ModelTimeout:      c.durationOr("pipeline.model_timeout", 30*time.Second),
		ProviderTimeout:   c.durationOr("pipeline.provider_timeout", 30*time.Second),
		DefaultMaxResults: c.GetInt("pipeline.default_max_results"),
		ModelRetry:        c.retryPolicy("pipeline.model_retry", core.DefaultRetryPolicy),
		FetchRetry:        c.retryPolicy("pipeline.fetch_retry", core.DefaultRetryPolicy),
		StaleAfter:        c.durationOr("pipeline.stale_after", 30*time.Minute),
		SweepInterval:     c.durationOr("pipeline.sweep_interval", 5*time.Minute),
		Retention:         c.durationOr("pipeline.retention", 30*24*time.Hour),
	}
}

func (c *Config) redis(prefix string) RedisConfig {
	return RedisConfig{
		Address:  c.GetString(prefix + ".address"),
		Password: c.GetString(prefix + ".password"),
		DB:       c.GetInt(prefix + ".db"),
	}
}

// GetRateLimit returns the limiter configuration. Profiles from
// ratelimit.profiles.<name> override the stock window and threshold.
func (c *Config) GetRateLimit() RateLimitConfig {
	profiles := core.DefaultRateLimitProfiles()
	for name := range c.v.GetStringMap("ratelimit.profiles") {
		prefix := "ratelimit.profiles." + name
		p, ok := profiles[name]
		if !ok {
			p = core.RateLimitProfile{Name: name, KeyBy: core.KeyByUser}
		}
		p.Window = c.durationOr(prefix+".window", p.Window)
		if n := c.GetInt(prefix + ".max_requests"); n > 0 {
			p.MaxRequests = n
		}
		if by := c.GetString(prefix + ".key_by"); by != "" {
			p.KeyBy = core.KeyStrategy(strings.ToLower(by))
		}
		profiles[name] = p
	}
	return RateLimitConfig{
		Backend:  c.GetString("ratelimit.backend"),
		Redis:    c.redis("ratelimit.redis"),
		Profiles: profiles,
	}
}

// GetCache returns the cache configuration
func (c *Config) GetCache() CacheConfig {
	def := core.DefaultCacheTTLs
	return CacheConfig{
		Backend:          c.GetString("cache.backend"),
		CleanupFrequency: c.durationOr("cache.cleanup_frequency", time.Minute),
		SQLitePath:       c.GetString("cache.sqlite_path"),
		MySQLDSN:         c.GetString("cache.mysql_dsn"),
		Redis:            c.redis("cache.redis"),
		TTLs: core.CacheTTLs{
			EmailList:   c.durationOr("cache.ttl.email_list", def.EmailList),
			Analysis:    c.durationOr("cache.ttl.analysis", def.Analysis),
			UserProfile: c.durationOr("cache.ttl.user_profile", def.UserProfile),
			Slack:       c.durationOr("cache.ttl.slack", def.Slack),
		},
	}
}

// GetStore returns the job store configuration
func (c *Config) GetStore() StoreConfig {
	return StoreConfig{
		Backend:    c.GetString("store.backend"),
		SQLitePath: c.GetString("store.sqlite_path"),
		MySQLDSN:   c.GetString("store.mysql_dsn"),
	}
}

// GetQueue returns the job queue configuration
func (c *Config) GetQueue() QueueConfig {
	return QueueConfig{
		Backend: c.GetString("queue.backend"),
		Kafka: KafkaConfig{
			Brokers: c.GetStringSlice("queue.kafka.brokers"),
			Topic:   c.GetString("queue.kafka.topic"),
			GroupID: c.GetString("queue.kafka.group_id"),
		},
	}
}

// GetProvider returns the configuration of a REST mail provider
func (c *Config) GetProvider(name string) ProviderConfig {
	prefix := "providers." + name
	return ProviderConfig{
		Enabled:  c.GetBool(prefix + ".enabled"),
		Endpoint: c.GetString(prefix + ".endpoint"),
		PageSize: c.GetInt(prefix + ".page_size"),
	}
}

// GetSMTPInbox returns the forwarding inbox configuration
func (c *Config) GetSMTPInbox() SMTPInboxConfig {
	return SMTPInboxConfig{
		Enabled:         c.GetBool("providers.smtp_inbox.enabled"),
		ListenAddress:   c.GetString("providers.smtp_inbox.listen_address"),
		Domain:          c.GetString("providers.smtp_inbox.domain"),
		Accounts:        c.GetStringSlice("providers.smtp_inbox.accounts"),
		MaxMailboxes:    c.GetInt("providers.smtp_inbox.max_mailboxes"),
		MaxMessages:     c.GetInt("providers.smtp_inbox.max_messages"),
		MaxMessageBytes: c.v.GetInt64("providers.smtp_inbox.max_message_bytes"),
	}
}

// GetHTTP returns the trigger API configuration
func (c *Config) GetHTTP() HTTPConfig {
	return HTTPConfig{
		ListenAddress: c.GetString("http.listen_address"),
		ReadTimeout:   c.durationOr("http.read_timeout", 15*time.Second),
		WriteTimeout:  c.durationOr("http.write_timeout", 30*time.Second),
	}
}

// GetUsers returns the static user directory, keyed by user id
func (c *Config) GetUsers() (map[string]UserConfig, error) {
	users := make(map[string]UserConfig)
	if !c.v.IsSet("users") {
		return users, nil
	}
	if err := c.v.UnmarshalKey("users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UserIDs returns the configured user ids in sorted order
func (c *Config) UserIDs() []string {
	ids := make([]string, 0)
	for id := range c.v.GetStringMap("users") {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
