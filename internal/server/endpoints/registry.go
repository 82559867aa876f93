package endpoints

import (
	"github.com/DataFenix-Ltd/doc2json/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Schema registry endpoints
		&ListSchemasEndpoint{},
		&RegisterSchemaEndpoint{},
		&GetSchemaEndpoint{},
		&SchemaHistoryEndpoint{},
		&RollbackSchemaEndpoint{},
		&AnalyzeSchemaEndpoint{},

		// Suggestion endpoints
		&ProposeEndpoint{},
		&ListSuggestionsEndpoint{},
		&GetSuggestionEndpoint{},
		&ApplySuggestionEndpoint{},
		&DiscardSuggestionEndpoint{},

		// Extraction
		&ExtractEndpoint{},

		// Metrics endpoints
		&MetricsSummaryEndpoint{},

		// LLM call history endpoints
		&ListLLMCallsEndpoint{},
		&GetLLMCallEndpoint{},
		&LLMCallCountsEndpoint{},
	}
}
