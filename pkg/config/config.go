// Package config loads fluxgate configuration from config.yaml and the
// environment via viper. Spec-level knobs (MEMORY_*, MESSAGE_COMPRESSION_*,
// CHAT_MCP_*, ...) are bound to their flat env names so deployments can set
// them without the FLUXGATE_ prefix.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	History     HistoryConfig     `mapstructure:"history"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Compression CompressionConfig `mapstructure:"compression"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	WebSearch   WebSearchConfig   `mapstructure:"web_search"`
	Knowledge   KnowledgeConfig   `mapstructure:"knowledge"`
	Blob        BlobConfig        `mapstructure:"blob"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Skills      SkillsConfig      `mapstructure:"skills"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Tools       ToolsConfig       `mapstructure:"tools"`
	LogLevel    string            `mapstructure:"log_level"`
	LogFormat   string            `mapstructure:"log_format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type StreamConfig struct {
	// CacheTTL bounds the lifetime of intermediate stream buffers in Redis.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// CacheUpdateInterval controls how often the producer refreshes the cache entry.
	CacheUpdateInterval time.Duration `mapstructure:"cache_update_interval"`
	// FlushInterval controls how often partial content is flushed to durable state.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type MemoryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	TimeoutSeconds time.Duration `mapstructure:"timeout_seconds"`
	MaxResults     int           `mapstructure:"max_results"`
}

type CompressionConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	FirstMessages    int  `mapstructure:"first_messages"`
	LastMessages     int  `mapstructure:"last_messages"`
	AttachmentLength int  `mapstructure:"attachment_length"`
}

type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Servers is the raw CHAT_MCP_SERVERS JSON document; it is decoded by
	// pkg/mcp after variable substitution.
	Servers string `mapstructure:"servers"`
}

type WebSearchConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SearchEngine string `mapstructure:"search_engine"`
}

type KnowledgeConfig struct {
	VectorBaseURL string `mapstructure:"vector_base_url"`
	// MaxExtractedTextLength caps total injected attachment + KB text.
	MaxExtractedTextLength int `mapstructure:"max_extracted_text_length"`
	// KBHeadLimit caps a single kb_head read across documents.
	KBHeadLimit int `mapstructure:"kb_head_limit"`
}

type BlobConfig struct {
	Dir               string `mapstructure:"dir"`
	EncryptionEnabled bool   `mapstructure:"encryption_enabled"`
	EncryptionKey     string `mapstructure:"encryption_key"`
}

type AgentConfig struct {
	MaxIterations int `mapstructure:"max_iterations"`
}

type ToolsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ProviderConfig struct {
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	OpenAIBaseURL   string `mapstructure:"openai_base_url"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	// DefaultModel is used when a request does not name a model.
	DefaultModel string `mapstructure:"default_model"`
}

type SkillsConfig struct {
	Dirs []string `mapstructure:"dirs"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	SamplerType  string  `mapstructure:"sampler_type"`
	SamplerRatio float64 `mapstructure:"sampler_ratio"`
}

// envBindings maps spec-level env names onto viper keys.
var envBindings = map[string]string{
	"memory.enabled":                      "MEMORY_ENABLED",
	"memory.base_url":                     "MEMORY_BASE_URL",
	"memory.api_key":                      "MEMORY_API_KEY",
	"memory.timeout_seconds":              "MEMORY_TIMEOUT_SECONDS",
	"memory.max_results":                  "MEMORY_MAX_RESULTS",
	"compression.enabled":                 "MESSAGE_COMPRESSION_ENABLED",
	"compression.first_messages":          "MESSAGE_COMPRESSION_FIRST_MESSAGES",
	"compression.last_messages":           "MESSAGE_COMPRESSION_LAST_MESSAGES",
	"compression.attachment_length":       "MESSAGE_COMPRESSION_ATTACHMENT_LENGTH",
	"mcp.enabled":                         "CHAT_MCP_ENABLED",
	"mcp.servers":                         "CHAT_MCP_SERVERS",
	"web_search.enabled":                  "WEB_SEARCH_ENABLED",
	"knowledge.max_extracted_text_length": "MAX_EXTRACTED_TEXT_LENGTH",
	"blob.encryption_enabled":             "ATTACHMENT_ENCRYPTION_ENABLED",
	"blob.encryption_key":                 "ATTACHMENT_ENCRYPTION_KEY",
	"provider.openai_api_key":             "OPENAI_API_KEY",
	"provider.openai_base_url":            "OPENAI_BASE_URL",
	"provider.anthropic_api_key":          "ANTHROPIC_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8280")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("history.db_path", "fluxgate.db")
	v.SetDefault("stream.cache_ttl", time.Hour)
	v.SetDefault("stream.cache_update_interval", time.Second)
	v.SetDefault("stream.flush_interval", 5*time.Second)
	v.SetDefault("memory.enabled", false)
	v.SetDefault("memory.timeout_seconds", 2*time.Second)
	v.SetDefault("memory.max_results", 5)
	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.first_messages", 2)
	v.SetDefault("compression.last_messages", 10)
	v.SetDefault("compression.attachment_length", 10000)
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("web_search.enabled", false)
	v.SetDefault("web_search.search_engine", "duckduckgo")
	v.SetDefault("knowledge.max_extracted_text_length", 100000)
	v.SetDefault("knowledge.kb_head_limit", 50000)
	v.SetDefault("blob.dir", "blobs")
	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("provider.default_model", "gpt-4o")
	v.SetDefault("skills.dirs", []string{"skills"})
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sampler_type", "always")
	v.SetDefault("tracing.sampler_ratio", 0.1)
	v.SetDefault("tools.timeout", 60*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads configuration from the optional config file and the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fluxgate")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	v.SetEnvPrefix("FLUXGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "failed to bind %s", env)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}
