// Package app assembles the long-lived pieces of doc2json (registry
// database, provider registry, call recorder, metrics) from configuration,
// and builds orchestrators for individual schemas. The CLI and the HTTP
// server both go through it so a run behaves the same from either entry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/DataFenix-Ltd/doc2json/internal/assessment"
	"github.com/DataFenix-Ltd/doc2json/internal/config"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/enforcer"
	"github.com/DataFenix-Ltd/doc2json/internal/home"
	"github.com/DataFenix-Ltd/doc2json/internal/llmcall"
	"github.com/DataFenix-Ltd/doc2json/internal/metrics"
	"github.com/DataFenix-Ltd/doc2json/internal/orchestrator"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
	"github.com/DataFenix-Ltd/doc2json/internal/storage"
)

// Options configures Open.
type Options struct {
	Config *config.Manager
	Home   *home.Dir
	Logger *slog.Logger
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Metrics
	// Providers replaces the registry built from configuration.
	Providers *providers.Registry
}

// App holds the services shared by every command.
type App struct {
	cfg     *config.Manager
	home    *home.Dir
	logger  *slog.Logger
	metrics *metrics.Metrics

	db       *storage.DB
	sink     *storage.Sink
	schemas  *registry.Registry
	calls    *llmcall.Store
	recorder *llmcall.SinkRecorder

	provMu    sync.Mutex
	providers *providers.Registry
}

// Open connects the registry database and starts the call recorder.
// Providers are not touched; see Providers.
func Open(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("app: config manager is required")
	}
	if opts.Home == nil {
		return nil, errors.New("app: home directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	cfg := opts.Config.Get()

	dsn := cfg.Registry.DSN
	if dsn == "" {
		if err := opts.Home.EnsureExists(); err != nil {
			return nil, err
		}
		dsn = opts.Home.RegistryPath()
	}
	db, err := storage.Open(ctx, dsn, storage.OpenOptions{Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	sink := storage.NewSink(storage.SinkConfig{DB: db, Logger: opts.Logger})
	sink.Start(ctx)

	a := &App{
		cfg:       opts.Config,
		home:      opts.Home,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		db:        db,
		sink:      sink,
		calls:     llmcall.NewStore(db),
		recorder:  llmcall.NewRecorder(sink),
		providers: opts.Providers,
	}
	a.schemas = registry.New(registry.NewSQLStore(db),
		registry.WithPolicy(cfg.Suggestions),
		registry.WithMetrics(opts.Metrics),
		registry.WithLogger(opts.Logger),
	)
	return a, nil
}

// Close flushes recorded calls and closes the database.
func (a *App) Close() error {
	a.sink.Stop()
	return a.db.Close()
}

// Config returns the current configuration.
func (a *App) Config() *config.Config { return a.cfg.Get() }

// ConfigManager returns the hot-reloading configuration source.
func (a *App) ConfigManager() *config.Manager { return a.cfg }

func (a *App) Home() *home.Dir { return a.home }
func (a *App) Logger() *slog.Logger { return a.logger }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) DB() *storage.DB { return a.db }
func (a *App) Schemas() *registry.Registry { return a.schemas }
func (a *App) LLMCalls() *llmcall.Store { return a.calls }
func (a *App) Recorder() llmcall.Recorder { return a.recorder }
func (a *App) MetricsQuery() *metrics.Query { return metrics.NewQuery(a.calls) }

// FlushCalls waits until every queued call record is committed.
func (a *App) FlushCalls(ctx context.Context) error {
	return a.sink.Flush(ctx)
}

// Providers returns the provider registry, building it on first use.
// Credentials are checked here, so commands that never call a model work
// without them.
func (a *App) Providers() (*providers.Registry, error) {
	a.provMu.Lock()
	defer a.provMu.Unlock()
	if a.providers != nil {
		return a.providers, nil
	}

	cfg := a.cfg.Get()
	if err := cfg.ValidateProviders(); err != nil {
		return nil, fmt.Errorf("invalid provider configuration: %w", err)
	}
	reg, err := providers.NewRegistryFromConfig(cfg.ToProviderRegistryConfig(), a.logger)
	if err != nil {
		return nil, err
	}
	a.providers = reg
	return reg, nil
}

// WatchProviders reloads the provider registry when the config file
// changes. A rejected reload keeps the previous providers.
func (a *App) WatchProviders() error {
	reg, err := a.Providers()
	if err != nil {
		return err
	}
	a.cfg.OnChange(func(c *config.Config) {
		if err := reg.Reload(c.ToProviderRegistryConfig()); err != nil {
			a.logger.Error("provider reload rejected", "error", err)
			return
		}
		a.logger.Info("provider registry reloaded from config")
	})
	a.cfg.WatchConfig()
	return nil
}

// EnsureSchema returns the active version of name, registering the
// configured descriptor file as version 1 when the schema is unknown.
func (a *App) EnsureSchema(ctx context.Context, name string) (*descriptor.Descriptor, error) {
	d, err := a.schemas.GetActive(ctx, name)
	if err == nil || !errors.Is(err, registry.ErrNotFound) {
		return d, err
	}

	d, err = a.configuredDescriptor(name)
	if err != nil {
		return nil, err
	}
	d, err = a.schemas.Register(ctx, d)
	if errors.Is(err, registry.ErrExists) {
		// registered concurrently
		return a.schemas.GetActive(ctx, name)
	}
	return d, err
}

// configuredDescriptor loads the descriptor file configured for name
// without registering it.
func (a *App) configuredDescriptor(name string) (*descriptor.Descriptor, error) {
	file := a.Config().Schema(name).File
	if file == "" {
		return nil, fmt.Errorf("schema %s is not registered and has no descriptor file configured: %w", name, registry.ErrNotFound)
	}
	d, err := descriptor.Load(a.home.Resolve(file))
	if err != nil {
		return nil, err
	}
	if d.Name != name {
		return nil, fmt.Errorf("%w: descriptor file %s names schema %q, expected %q", descriptor.ErrInvalid, file, d.Name, name)
	}
	return d, nil
}

// Adapter returns the provider adapter configured for schema.
func (a *App) Adapter(schema string) (providers.Adapter, error) {
	reg, err := a.Providers()
	if err != nil {
		return nil, err
	}
	name := a.Config().ProviderFor(schema)
	adapter, err := reg.Get(name)
	if err != nil {
		return nil, fmt.Errorf("schema %s: provider %q: %w", schema, name, err)
	}
	return adapter, nil
}

// Orchestrator builds an orchestrator for schema over its configured
// provider, with assessment wired in.
func (a *App) Orchestrator(schema string) (*orchestrator.Orchestrator, error) {
	adapter, err := a.Adapter(schema)
	if err != nil {
		return nil, err
	}
	enf := enforcer.New(adapter, a.EnforcerConfig(),
		enforcer.WithRecorder(a.recorder),
		enforcer.WithMetrics(a.metrics),
		enforcer.WithLogger(a.logger),
	)
	engine, err := assessment.New(enf, a.logger)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(a.schemas, enf,
		orchestrator.WithAssessor(engine),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(a.logger),
	), nil
}

// EnforcerConfig maps the configured retry budgets. A configured zero
// disables the budget.
func (a *App) EnforcerConfig() enforcer.Config {
	d := a.Config().Defaults
	cfg := enforcer.Config{
		ValidationRetries: d.ValidationRetries,
		BackoffRetries:    d.BackoffRetries,
	}
	if cfg.ValidationRetries == 0 {
		cfg.ValidationRetries = enforcer.NoValidationRetries
	}
	if cfg.BackoffRetries == 0 {
		cfg.BackoffRetries = enforcer.NoBackoffRetries
	}
	return cfg
}

// BatchConfig returns the configured batch settings for schema.
func (a *App) BatchConfig(schema string) orchestrator.BatchConfig {
	cfg := a.Config()
	return orchestrator.BatchConfig{
		SchemaName: schema,
		MaxWorkers: cfg.Defaults.MaxWorkers,
		Timeout:    cfg.Defaults.BatchTimeout,
		Assess:     cfg.Schema(schema).Assess,
		LargeDoc:   cfg.LargeDocPolicy(schema),
	}
}
