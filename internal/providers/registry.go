package providers

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrProviderNotFound is returned when no adapter is registered under a name.
var ErrProviderNotFound = errors.New("provider not found")

// Supported provider types.
const (
	TypeOpenRouter  = "openrouter"
	TypeOpenAI      = "openai"
	TypeAzureOpenAI = "azure_openai"
	TypeOllama      = "ollama"
	TypeAnthropic   = "anthropic"
	TypeMock        = "mock"
)

// Registry holds configured adapters by name.
// It supports config-driven instantiation, hot-reload, and thread-safe access.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	configs  map[string]LLMProviderConfig
	logger   *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		configs:  make(map[string]LLMProviderConfig),
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds an adapter by name, replacing any previous one.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	delete(r.configs, name)
	r.logger.Info("registered provider", "name", name)
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return a, nil
}

// Has checks if an adapter is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// List returns all registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	LLMProviders map[string]LLMProviderConfig
}

// LLMProviderConfig matches config.LLMProviderCfg with the API key resolved.
type LLMProviderConfig struct {
	Type             string
	Model            string
	APIKey           Secret
	BaseURL          string
	APIVersion       string
	RateLimit        float64 // Requests per minute
	Timeout          time.Duration
	ToolCalling      *bool
	MaxContextTokens int
	Enabled          bool
}

// Validate reports configuration that can never work. These errors are
// fatal at startup.
func (c LLMProviderConfig) Validate(name string) error {
	switch c.Type {
	case TypeOpenRouter, TypeOpenAI, TypeAnthropic:
		if c.APIKey.Empty() {
			return fmt.Errorf("provider %s: api_key is required for type %s", name, c.Type)
		}
	case TypeAzureOpenAI:
		if c.APIKey.Empty() {
			return fmt.Errorf("provider %s: api_key is required for type %s", name, c.Type)
		}
		if c.BaseURL == "" || c.APIVersion == "" {
			return fmt.Errorf("provider %s: azure_openai requires base_url and api_version", name)
		}
	case TypeOllama, TypeMock:
	case "":
		return fmt.Errorf("provider %s: type is required", name)
	default:
		return fmt.Errorf("provider %s: unknown type %q", name, c.Type)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("provider %s: rate_limit must not be negative", name)
	}
	return nil
}

// NewRegistryFromConfig creates a registry with every enabled provider.
// Any malformed enabled provider fails the whole registry.
func NewRegistryFromConfig(cfg RegistryConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	if logger != nil {
		r.logger = logger
	}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload updates the registry from new configuration. Providers that are no
// longer configured are dropped and changed ones are recreated. On a
// validation error the registry is left untouched.
func (r *Registry) Reload(cfg RegistryConfig) error {
	var errs []error
	for name, provCfg := range cfg.LLMProviders {
		if !provCfg.Enabled {
			continue
		}
		if err := provCfg.Validate(name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, provCfg := range cfg.LLMProviders {
		if !provCfg.Enabled {
			continue
		}
		want[name] = true

		existing, hasExisting := r.configs[name]
		if hasExisting && !needsUpdate(existing, provCfg) {
			continue
		}
		r.adapters[name] = r.createAdapter(name, provCfg)
		r.configs[name] = provCfg
		if hasExisting {
			r.logger.Info("updated provider", "name", name, "type", provCfg.Type, "model", provCfg.Model)
		} else {
			r.logger.Info("registered provider", "name", name, "type", provCfg.Type, "model", provCfg.Model)
		}
	}

	for name := range r.configs {
		if !want[name] {
			delete(r.adapters, name)
			delete(r.configs, name)
			r.logger.Info("unregistered provider", "name", name)
		}
	}
	return nil
}

// createAdapter builds an adapter for a validated config.
func (r *Registry) createAdapter(name string, cfg LLMProviderConfig) Adapter {
	switch cfg.Type {
	case TypeOpenRouter:
		return NewOpenRouterClient(OpenRouterConfig{
			Name:             name,
			APIKey:           cfg.APIKey,
			BaseURL:          cfg.BaseURL,
			DefaultModel:     cfg.Model,
			Timeout:          cfg.Timeout,
			ToolCalling:      cfg.ToolCalling,
			MaxContextTokens: cfg.MaxContextTokens,
			RateLimit:        cfg.RateLimit,
			Logger:           r.logger,
		})
	case TypeOpenAI, TypeAzureOpenAI, TypeOllama:
		oc := OpenAIConfig{
			Name:             name,
			APIKey:           cfg.APIKey,
			BaseURL:          cfg.BaseURL,
			DefaultModel:     cfg.Model,
			Timeout:          cfg.Timeout,
			ToolCalling:      cfg.ToolCalling,
			MaxContextTokens: cfg.MaxContextTokens,
			RateLimit:        cfg.RateLimit,
			Logger:           r.logger,
		}
		if cfg.Type == TypeAzureOpenAI {
			oc.APIVersion = cfg.APIVersion
		}
		if cfg.Type == TypeOllama && oc.BaseURL == "" {
			oc.BaseURL = OllamaBaseURL
		}
		return NewOpenAIClient(oc)
	case TypeAnthropic:
		return NewAnthropicClient(AnthropicConfig{
			Name:             name,
			APIKey:           cfg.APIKey,
			BaseURL:          cfg.BaseURL,
			DefaultModel:     cfg.Model,
			Timeout:          cfg.Timeout,
			ToolCalling:      cfg.ToolCalling,
			MaxContextTokens: cfg.MaxContextTokens,
			RateLimit:        cfg.RateLimit,
			Logger:           r.logger,
		})
	default:
		m := NewMockClient()
		m.ProviderName = name
		if cfg.ToolCalling != nil {
			m.Caps.SupportsToolCalling = *cfg.ToolCalling
		}
		return m
	}
}

// needsUpdate checks if an adapter needs to be recreated.
func needsUpdate(old, cfg LLMProviderConfig) bool {
	return old.Type != cfg.Type ||
		old.Model != cfg.Model ||
		old.APIKey != cfg.APIKey ||
		old.BaseURL != cfg.BaseURL ||
		old.APIVersion != cfg.APIVersion ||
		old.RateLimit != cfg.RateLimit ||
		old.Timeout != cfg.Timeout ||
		old.MaxContextTokens != cfg.MaxContextTokens ||
		boolValue(old.ToolCalling, true) != boolValue(cfg.ToolCalling, true)
}

func boolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
