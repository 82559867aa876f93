package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/orchestrator"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc2json.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLMProviders["openai"].APIKey != "${OPENAI_API_KEY}" {
		t.Error("expected openai API key placeholder")
	}
	if cfg.Suggestions != registry.DefaultPolicy {
		t.Errorf("Suggestions = %+v", cfg.Suggestions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")
		if got := ResolveEnvVars("${TEST_API_KEY}"); got != "secret123" {
			t.Errorf("expected secret123, got %s", got)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		if got := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}"); got != "" {
			t.Errorf("expected empty string, got %s", got)
		}
	})

	t.Run("expands inside a larger value", func(t *testing.T) {
		t.Setenv("TEST_HOST", "example.com")
		if got := ResolveEnvVars("https://${TEST_HOST}/v1"); got != "https://example.com/v1" {
			t.Errorf("got %s", got)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		if got := ResolveEnvVars("literal-value"); got != "literal-value" {
			t.Errorf("expected literal-value, got %s", got)
		}
	})
}

func TestToProviderRegistryConfig(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-123")
	cfg := &Config{LLMProviders: map[string]LLMProviderCfg{
		"claude": {Type: "anthropic", APIKey: "${TEST_ANTHROPIC_KEY}", TimeoutSeconds: 30, Enabled: true},
	}}

	got := cfg.ToProviderRegistryConfig().LLMProviders["claude"]
	if got.APIKey.Reveal() != "sk-ant-123" {
		t.Errorf("APIKey not resolved")
	}
	if got.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", got.Timeout)
	}
	if strings.Contains(got.APIKey.String(), "sk-ant") {
		t.Error("resolved key leaks through String()")
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		path := writeConfig(t, `
defaults:
  llm_provider: local
  max_workers: 8
  batch_timeout: 90s
llm_providers:
  local:
    type: ollama
    model: llama3.1
    enabled: true
schemas:
  invoice:
    assess: true
    large_doc_strategy: fail
    max_chars: 5000
    source:
      path: ./docs
    destination:
      type: jsonl
      path: ./out
suggestions:
  min_records: 3
  min_fraction: 0.5
`)
		mgr, err := NewManager(path)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		cfg := mgr.Get()

		if cfg.Defaults.MaxWorkers != 8 || cfg.Defaults.BatchTimeout != 90*time.Second {
			t.Errorf("Defaults = %+v", cfg.Defaults)
		}
		// defaults not mentioned in the file survive
		if cfg.Defaults.ValidationRetries != 2 || cfg.Server.Port != "8080" {
			t.Errorf("defaults lost: %+v %+v", cfg.Defaults, cfg.Server)
		}
		inv := cfg.Schema("invoice")
		if !inv.Assess || inv.Source.Path != "./docs" || inv.Destination.Type != "jsonl" {
			t.Errorf("invoice schema = %+v", inv)
		}
		if p := cfg.LargeDocPolicy("invoice"); p.Strategy != orchestrator.StrategyFail || p.MaxChars != 5000 {
			t.Errorf("LargeDocPolicy() = %+v", p)
		}
		if cfg.Suggestions.MinRecords != 3 || cfg.Suggestions.MinFraction != 0.5 {
			t.Errorf("Suggestions = %+v", cfg.Suggestions)
		}
		if cfg.ProviderFor("invoice") != "local" {
			t.Errorf("ProviderFor() = %s", cfg.ProviderFor("invoice"))
		}
		if mgr.ConfigFile() != path {
			t.Errorf("ConfigFile() = %s", mgr.ConfigFile())
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("DOC2JSON_DEFAULTS_MAX_WORKERS", "12")
		path := writeConfig(t, "defaults:\n  max_workers: 2\n")
		mgr, err := NewManager(path)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if got := mgr.Get().Defaults.MaxWorkers; got != 12 {
			t.Errorf("MaxWorkers = %d, want 12", got)
		}
	})

	t.Run("malformed configuration is fatal", func(t *testing.T) {
		tests := map[string]string{
			"unknown provider type": "llm_providers:\n  x:\n    type: gemini\n    enabled: true\n",
			"bad strategy":          "schemas:\n  invoice:\n    large_doc_strategy: chunk\n",
			"missing default":       "defaults:\n  llm_provider: nope\n",
			"bad fraction":          "suggestions:\n  min_fraction: 2\n",
			"invalid yaml":          "defaults: [\n",
		}
		for name, content := range tests {
			t.Run(name, func(t *testing.T) {
				if _, err := NewManager(writeConfig(t, content)); err == nil {
					t.Error("expected error")
				}
			})
		}
	})
}

func TestValidateProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLMProviders["openai"] = LLMProviderCfg{Type: "openai", APIKey: "${DOC2JSON_TEST_UNSET_KEY}", Enabled: true}
	err := cfg.ValidateProviders()
	if err == nil || !strings.Contains(err.Error(), "api_key is required") {
		t.Errorf("ValidateProviders() error = %v", err)
	}

	t.Setenv("DOC2JSON_TEST_SET_KEY", "sk-test")
	cfg.LLMProviders["openai"] = LLMProviderCfg{Type: "openai", APIKey: "${DOC2JSON_TEST_SET_KEY}", Enabled: true}
	if err := cfg.ValidateProviders(); err != nil {
		t.Errorf("ValidateProviders() error = %v", err)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc2json.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager(default file) error = %v", err)
	}
	cfg := mgr.Get()
	if cfg.Defaults.BatchTimeout != 30*time.Minute {
		t.Errorf("BatchTimeout = %v", cfg.Defaults.BatchTimeout)
	}
	if !cfg.Schema("invoice").Assess {
		t.Error("sample schema missing from default file")
	}
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "defaults:\n  max_workers: 3\n"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = mgr.Get().Defaults.MaxWorkers
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	path := writeConfig(t, "defaults:\n  max_workers: 3\n")
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Int64
	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(int64(cfg.Defaults.MaxWorkers))
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("defaults:\n  max_workers: 9\n"), 0o644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && lastValue.Load() != 9 {
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().Defaults.MaxWorkers; got != 9 {
		t.Errorf("config not updated: expected 9, got %d", got)
	}
}
