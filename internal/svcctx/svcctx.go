// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/DataFenix-Ltd/doc2json/internal/app"
	"github.com/DataFenix-Ltd/doc2json/internal/llmcall"
	"github.com/DataFenix-Ltd/doc2json/internal/metrics"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
	"github.com/DataFenix-Ltd/doc2json/internal/storage"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	App          *app.App
	Schemas      *registry.Registry
	Providers    *providers.Registry
	DB           *storage.DB
	Logger       *slog.Logger
	MetricsQuery *metrics.Query
	LLMCallStore *llmcall.Store
}

// FromApp fills Services from an opened App. providers may be nil when
// none could be built.
func FromApp(a *app.App, providers *providers.Registry) *Services {
	return &Services{
		App:          a,
		Schemas:      a.Schemas(),
		Providers:    providers,
		DB:           a.DB(),
		Logger:       a.Logger(),
		MetricsQuery: a.MetricsQuery(),
		LLMCallStore: a.LLMCalls(),
	}
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// AppFrom extracts the application from context.
func AppFrom(ctx context.Context) *app.App {
	if s := ServicesFrom(ctx); s != nil {
		return s.App
	}
	return nil
}

// SchemasFrom extracts the schema registry from context.
func SchemasFrom(ctx context.Context) *registry.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Schemas
	}
	return nil
}

// ProvidersFrom extracts the provider registry from context.
func ProvidersFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Providers
	}
	return nil
}

// DBFrom extracts the registry database from context.
func DBFrom(ctx context.Context) *storage.DB {
	if s := ServicesFrom(ctx); s != nil {
		return s.DB
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// MetricsQueryFrom extracts the metrics query helper from context.
func MetricsQueryFrom(ctx context.Context) *metrics.Query {
	if s := ServicesFrom(ctx); s != nil {
		return s.MetricsQuery
	}
	return nil
}

// LLMCallStoreFrom extracts the LLM call store from context.
func LLMCallStoreFrom(ctx context.Context) *llmcall.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.LLMCallStore
	}
	return nil
}
