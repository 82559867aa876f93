package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/DataFenix-Ltd/doc2json/internal/orchestrator"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
)

// EnvPrefix prefixes every environment override, e.g.
// DOC2JSON_DEFAULTS_MAX_WORKERS=8.
const EnvPrefix = "DOC2JSON"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
	logger    *slog.Logger
}

// NewManager creates a new config manager and loads initial config.
// The configuration is validated; a malformed file is an error.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
		logger:    slog.Default(),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// SetLogger sets the logger used for reload messages.
func (cm *Manager) SetLogger(l *slog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logger = l
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	v := cm.v
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return err
	}

	// Environment variables with DOC2JSON_ prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("doc2json")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.doc2json")
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			// fall back to the home directory layout name
			v.SetConfigName("config")
			if err := v.ReadInConfig(); err != nil && !errors.As(err, &configFileNotFoundError) {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	return nil
}

// setDefaults registers every leaf of the default config so environment
// overrides apply to keys the file never mentions.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yamlv3.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok && len(sub) > 0 {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}

// load parses the current viper state into a validated Config.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the file the configuration was read from, if any.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. An invalid edit is
// logged and the previous configuration stays in effect.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			cm.mu.RLock()
			logger := cm.logger
			cm.mu.RUnlock()
			logger.Error("config reload rejected", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ToProviderRegistryConfig converts the config to a format suitable for providers.Registry.
// It resolves all ${ENV_VAR} references in API keys.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		LLMProviders: make(map[string]providers.LLMProviderConfig),
	}
	for name, llm := range c.LLMProviders {
		cfg.LLMProviders[name] = llm.toProvider()
	}
	return cfg
}

func (l LLMProviderCfg) toProvider() providers.LLMProviderConfig {
	return providers.LLMProviderConfig{
		Type:             l.Type,
		Model:            l.Model,
		APIKey:           providers.Secret(ResolveEnvVars(l.APIKey)),
		BaseURL:          ResolveEnvVars(l.BaseURL),
		APIVersion:       l.APIVersion,
		RateLimit:        l.RateLimit,
		Timeout:          time.Duration(l.TimeoutSeconds) * time.Second,
		ToolCalling:      l.ToolCalling,
		MaxContextTokens: l.MaxContextTokens,
		Enabled:          l.Enabled,
	}
}

// Validate reports malformed configuration. It never contacts a provider
// and does not require credentials to be set; see ValidateProviders.
func (c *Config) Validate() error {
	var errs []error
	for name, llm := range c.LLMProviders {
		if llm.Enabled && !knownProviderType(llm.Type) {
			errs = append(errs, fmt.Errorf("provider %s: unknown type %q", name, llm.Type))
		}
	}
	if c.Defaults.LLMProvider != "" {
		if p, ok := c.LLMProviders[c.Defaults.LLMProvider]; !ok || !p.Enabled {
			errs = append(errs, fmt.Errorf("defaults.llm_provider %q is not an enabled provider", c.Defaults.LLMProvider))
		}
	}
	if c.Defaults.MaxWorkers < 0 {
		errs = append(errs, errors.New("defaults.max_workers must not be negative"))
	}
	if c.Defaults.BatchTimeout < 0 {
		errs = append(errs, errors.New("defaults.batch_timeout must not be negative"))
	}
	for name, s := range c.Schemas {
		if _, err := orchestrator.ParseStrategy(s.LargeDocStrategy); err != nil {
			errs = append(errs, fmt.Errorf("schemas.%s: %w", name, err))
		}
		if s.MaxChars < 0 {
			errs = append(errs, fmt.Errorf("schemas.%s: max_chars must not be negative", name))
		}
		if s.Provider != "" {
			if p, ok := c.LLMProviders[s.Provider]; !ok || !p.Enabled {
				errs = append(errs, fmt.Errorf("schemas.%s: provider %q is not an enabled provider", name, s.Provider))
			}
		}
	}
	if c.Suggestions.MinRecords < 0 {
		errs = append(errs, errors.New("suggestions.min_records must not be negative"))
	}
	if c.Suggestions.MinFraction < 0 || c.Suggestions.MinFraction > 1 {
		errs = append(errs, errors.New("suggestions.min_fraction must be between 0 and 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ValidateProviders fully checks every enabled provider, credentials
// included. Commands that call models treat its error as fatal.
func (c *Config) ValidateProviders() error {
	var errs []error
	for name, llm := range c.LLMProviders {
		if !llm.Enabled {
			continue
		}
		if err := llm.toProvider().Validate(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func knownProviderType(t string) bool {
	switch t {
	case providers.TypeOpenAI, providers.TypeAzureOpenAI, providers.TypeOllama,
		providers.TypeAnthropic, providers.TypeOpenRouter, providers.TypeMock:
		return true
	}
	return false
}

// LargeDocPolicy returns the size policy for a schema.
func (c *Config) LargeDocPolicy(schema string) orchestrator.LargeDocPolicy {
	s := c.Schemas[schema]
	strategy, _ := orchestrator.ParseStrategy(s.LargeDocStrategy)
	return orchestrator.LargeDocPolicy{Strategy: strategy, MaxChars: s.MaxChars}
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	cfg.Schemas["invoice"] = SchemaCfg{
		File:             "schemas/invoice.yaml",
		Assess:           true,
		LargeDocStrategy: string(orchestrator.StrategyTruncate),
		MaxChars:         orchestrator.DefaultMaxChars,
		Source:           SourceCfg{Path: "./documents/invoices"},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# doc2json configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx ANTHROPIC_API_KEY=xxx OPENROUTER_API_KEY=xxx
# Any key can be overridden with DOC2JSON_<SECTION>_<KEY>, e.g. DOC2JSON_DEFAULTS_MAX_WORKERS=8

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
