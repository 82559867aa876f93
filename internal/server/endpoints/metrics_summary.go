package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/llmcall"
	"github.com/DataFenix-Ltd/doc2json/internal/svcctx"
)

// MetricsSummaryResponse is the response for summary queries.
type MetricsSummaryResponse struct {
	Count            int            `json:"count"`
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	TotalTimeSeconds float64        `json:"total_time_seconds"`
	SuccessCount     int            `json:"success_count"`
	ErrorCount       int            `json:"error_count"`
	AvgTokens        float64        `json:"avg_tokens"`
	AvgLatencyMs     float64        `json:"avg_latency_ms"`
	TokensByProvider map[string]int `json:"tokens_by_provider"`
	CallsByPrompt    map[string]int `json:"calls_by_prompt_key"`
	ErrorsByKind     map[string]int `json:"errors_by_kind,omitempty"`
}

// MetricsSummaryEndpoint handles GET /api/metrics/summary.
type MetricsSummaryEndpoint struct{}

func (e *MetricsSummaryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/metrics/summary", e.handler
}

func (e *MetricsSummaryEndpoint) RequiresInit() bool { return true }
func (e *MetricsSummaryEndpoint) Group() string      { return "metrics" }

func (e *MetricsSummaryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	query := svcctx.MetricsQueryFrom(r.Context())
	if query == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics query not initialized")
		return
	}

	// Build filter from query params
	f := llmcall.QueryFilter{
		SchemaName: r.URL.Query().Get("schema"),
		Provider:   r.URL.Query().Get("provider"),
		Model:      r.URL.Query().Get("model"),
	}

	summary, err := query.GetSummary(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, MetricsSummaryResponse{
		Count:            summary.Count,
		InputTokens:      summary.InputTokens,
		OutputTokens:     summary.OutputTokens,
		TotalTokens:      summary.TotalTokens,
		TotalTimeSeconds: summary.TotalTime.Seconds(),
		SuccessCount:     summary.SuccessCount,
		ErrorCount:       summary.ErrorCount,
		AvgTokens:        summary.AvgTokens,
		AvgLatencyMs:     summary.AvgLatencyMs,
		TokensByProvider: summary.ByProvider,
		CallsByPrompt:    summary.ByPromptKey,
		ErrorsByKind:     summary.ErrorsByKind,
	})
}

func (e *MetricsSummaryEndpoint) Command(getServerURL func() string) *cobra.Command {
	var schema, provider, model string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Get token and latency summary of recorded LLM calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())

			params := url.Values{}
			if schema != "" {
				params.Set("schema", schema)
			}
			if provider != "" {
				params.Set("provider", provider)
			}
			if model != "" {
				params.Set("model", model)
			}
			path := "/api/metrics/summary"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp MetricsSummaryResponse
			if err := client.Get(ctx, path, &resp); err != nil {
				return err
			}
			t := api.NewTable("METRIC", "VALUE").
				Row("count", resp.Count).
				Row("success", resp.SuccessCount).
				Row("errors", resp.ErrorCount).
				Row("input tokens", resp.InputTokens).
				Row("output tokens", resp.OutputTokens).
				Row("avg tokens", fmt.Sprintf("%.1f", resp.AvgTokens)).
				Row("total time", time.Duration(resp.TotalTimeSeconds*float64(time.Second))).
				Row("avg latency", fmt.Sprintf("%.0fms", resp.AvgLatencyMs))
			t.Title = "Metrics Summary"
			return api.OutputWithTable(resp, t)
		},
	}

	cmd.Flags().StringVar(&schema, "schema", "", "Filter by schema name")
	cmd.Flags().StringVar(&provider, "provider", "", "Filter by provider")
	cmd.Flags().StringVar(&model, "model", "", "Filter by model")

	return cmd
}
