package config

import (
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/destinations"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
)

// Config holds doc2json configuration.
// Looked up at ./doc2json.yaml, then ~/.doc2json/config.yaml.
type Config struct {
	LLMProviders map[string]LLMProviderCfg `mapstructure:"llm_providers" yaml:"llm_providers"`
	Defaults     DefaultsCfg               `mapstructure:"defaults" yaml:"defaults"`
	Schemas      map[string]SchemaCfg      `mapstructure:"schemas" yaml:"schemas"`
	Registry     RegistryCfg               `mapstructure:"registry" yaml:"registry"`
	Suggestions  registry.Policy           `mapstructure:"suggestions" yaml:"suggestions"`
	Server       ServerCfg                 `mapstructure:"server" yaml:"server"`
	Logging      LoggingCfg                `mapstructure:"logging" yaml:"logging"`
}

// LLMProviderCfg configures an LLM provider.
type LLMProviderCfg struct {
	Type             string  `mapstructure:"type" yaml:"type"`                                   // openai, azure_openai, ollama, anthropic, openrouter, mock
	Model            string  `mapstructure:"model" yaml:"model"`                                 // Model identifier
	APIKey           string  `mapstructure:"api_key" yaml:"api_key"`                             // Supports ${ENV_VAR} syntax
	BaseURL          string  `mapstructure:"base_url" yaml:"base_url,omitempty"`                 // Endpoint override
	APIVersion       string  `mapstructure:"api_version" yaml:"api_version,omitempty"`           // Azure only
	RateLimit        float64 `mapstructure:"rate_limit" yaml:"rate_limit"`                       // Requests per minute
	TimeoutSeconds   int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`   // Per request
	ToolCalling      *bool   `mapstructure:"tool_calling" yaml:"tool_calling,omitempty"`         // Override detected support
	MaxContextTokens int     `mapstructure:"max_context_tokens" yaml:"max_context_tokens,omitempty"`
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg holds run-wide defaults.
type DefaultsCfg struct {
	LLMProvider       string        `mapstructure:"llm_provider" yaml:"llm_provider"`
	MaxWorkers        int           `mapstructure:"max_workers" yaml:"max_workers"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	ValidationRetries int           `mapstructure:"validation_retries" yaml:"validation_retries"`
	BackoffRetries    int           `mapstructure:"backoff_retries" yaml:"backoff_retries"`
	SchemasDir        string        `mapstructure:"schemas_dir" yaml:"schemas_dir,omitempty"`
	OutputsDir        string        `mapstructure:"outputs_dir" yaml:"outputs_dir,omitempty"`
}

// SchemaCfg configures runs of one schema.
type SchemaCfg struct {
	// File is a descriptor to register on first use.
	File             string              `mapstructure:"file" yaml:"file,omitempty"`
	Provider         string              `mapstructure:"provider" yaml:"provider,omitempty"`
	Assess           bool                `mapstructure:"assess" yaml:"assess"`
	LargeDocStrategy string              `mapstructure:"large_doc_strategy" yaml:"large_doc_strategy,omitempty"`
	MaxChars         int                 `mapstructure:"max_chars" yaml:"max_chars,omitempty"`
	Source           SourceCfg           `mapstructure:"source" yaml:"source"`
	Destination      destinations.Config `mapstructure:"destination" yaml:"destination"`
}

// SourceCfg locates input documents.
type SourceCfg struct {
	Path      string `mapstructure:"path" yaml:"path"`
	Recursive *bool  `mapstructure:"recursive" yaml:"recursive,omitempty"`
}

// RegistryCfg locates the schema registry database.
type RegistryCfg struct {
	// DSN is a postgres:// URL or a SQLite path; empty means <home>/registry.db.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// ServerCfg configures `doc2json serve`.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// LoggingCfg configures the process logger.
type LoggingCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"openai": {
				Type:      "openai",
				Model:     "gpt-4.1-mini",
				APIKey:    "${OPENAI_API_KEY}",
				RateLimit: 500,
				Enabled:   true,
			},
			"anthropic": {
				Type:      "anthropic",
				Model:     "claude-sonnet-4-20250514",
				APIKey:    "${ANTHROPIC_API_KEY}",
				RateLimit: 50,
				Enabled:   false,
			},
			"openrouter": {
				Type:      "openrouter",
				Model:     "anthropic/claude-sonnet-4",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 150,
				Enabled:   false,
			},
			"ollama": {
				Type:    "ollama",
				Model:   "llama3.1",
				Enabled: false,
			},
		},
		Defaults: DefaultsCfg{
			LLMProvider:       "openai",
			MaxWorkers:        4,
			BatchTimeout:      30 * time.Minute,
			ValidationRetries: 2,
			BackoffRetries:    3,
		},
		Schemas:     map[string]SchemaCfg{},
		Suggestions: registry.DefaultPolicy,
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Logging: LoggingCfg{
			Level:  "info",
			Format: "text",
		},
	}
}

// GetLLMProvider returns an LLM provider config by name.
func (c *Config) GetLLMProvider(name string) (LLMProviderCfg, bool) {
	cfg, ok := c.LLMProviders[name]
	return cfg, ok
}

// EnabledLLMProviders returns all enabled LLM providers.
func (c *Config) EnabledLLMProviders() map[string]LLMProviderCfg {
	result := make(map[string]LLMProviderCfg)
	for name, cfg := range c.LLMProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// Schema returns the settings for a schema, falling back to zero values.
func (c *Config) Schema(name string) SchemaCfg {
	return c.Schemas[name]
}

// ProviderFor returns the provider name used for a schema.
func (c *Config) ProviderFor(schema string) string {
	if p := c.Schemas[schema].Provider; p != "" {
		return p
	}
	return c.Defaults.LLMProvider
}
