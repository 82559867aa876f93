package metrics

import (
	"context"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/llmcall"
)

// Lister is the subset of llmcall.Store used for summaries.
type Lister interface {
	List(ctx context.Context, filter llmcall.QueryFilter) ([]llmcall.Call, error)
}

// Query computes usage summaries from recorded calls.
type Query struct {
	calls Lister
}

// NewQuery creates a new summary helper.
func NewQuery(calls Lister) *Query {
	return &Query{calls: calls}
}

// Summary provides usage totals for a filter.
type Summary struct {
	Count        int            `json:"count"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalTokens  int            `json:"total_tokens"`
	TotalTime    time.Duration  `json:"total_time"`
	SuccessCount int            `json:"success_count"`
	ErrorCount   int            `json:"error_count"`
	AvgTokens    float64        `json:"avg_tokens"`
	AvgLatencyMs float64        `json:"avg_latency_ms"`
	ByProvider   map[string]int `json:"tokens_by_provider"`
	ByPromptKey  map[string]int `json:"calls_by_prompt_key"`
	ErrorsByKind map[string]int `json:"errors_by_kind,omitempty"`
}

// GetSummary returns totals and breakdowns for calls matching the filter.
func (q *Query) GetSummary(ctx context.Context, f llmcall.QueryFilter) (*Summary, error) {
	calls, err := q.calls.List(ctx, f)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Count:       len(calls),
		ByProvider:  make(map[string]int),
		ByPromptKey: make(map[string]int),
	}
	var latency int
	for _, c := range calls {
		tokens := c.InputTokens + c.OutputTokens
		s.InputTokens += c.InputTokens
		s.OutputTokens += c.OutputTokens
		s.TotalTokens += tokens
		latency += c.LatencyMs
		s.ByProvider[c.Provider] += tokens
		s.ByPromptKey[c.PromptKey]++
		if c.Success {
			s.SuccessCount++
			continue
		}
		s.ErrorCount++
		if c.ErrorKind != "" {
			if s.ErrorsByKind == nil {
				s.ErrorsByKind = make(map[string]int)
			}
			s.ErrorsByKind[c.ErrorKind]++
		}
	}
	s.TotalTime = time.Duration(latency) * time.Millisecond
	if s.Count > 0 {
		s.AvgTokens = float64(s.TotalTokens) / float64(s.Count)
		s.AvgLatencyMs = float64(latency) / float64(s.Count)
	}
	return s, nil
}
