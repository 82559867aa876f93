// Package llmcall provides LLM call recording and querying for traceability.
// Every provider call made while extracting or assessing is recorded with its
// prompt key, response, and metrics.
package llmcall

import (
	"time"

	"github.com/google/uuid"

	"github.com/DataFenix-Ltd/doc2json/internal/providers"
)

// Prompt keys.
const (
	PromptExtract = "extract"
	PromptAssess  = "assess"
)

// Call represents a recorded provider call.
type Call struct {
	ID string `json:"id"`

	// Timing
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int       `json:"latency_ms"`

	// Context references
	SchemaName string `json:"schema_name,omitempty"`
	DocumentID string `json:"document_id,omitempty"`

	PromptKey string `json:"prompt_key"`
	Attempt   int    `json:"attempt"`

	// Model info
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Mode     string `json:"mode"`

	// Token usage
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	Response string `json:"response"`

	// Status
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RecordOptions provides context for recording a call.
type RecordOptions struct {
	SchemaName string
	DocumentID string
	PromptKey  string
	Attempt    int
	Provider   string
	Mode       providers.Mode
	Latency    time.Duration
}

// FromResponse creates a Call from an adapter response or error.
// Provider errors are already credential-scrubbed by the adapter.
func FromResponse(resp *providers.Response, err error, opts RecordOptions) *Call {
	call := &Call{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		LatencyMs:  int(opts.Latency.Milliseconds()),
		SchemaName: opts.SchemaName,
		DocumentID: opts.DocumentID,
		PromptKey:  opts.PromptKey,
		Attempt:    opts.Attempt,
		Provider:   opts.Provider,
		Mode:       string(opts.Mode),
		Success:    err == nil && resp != nil,
	}
	if resp != nil {
		call.Provider = resp.Provider
		call.Model = resp.Model
		call.InputTokens = resp.Usage.InputTokens
		call.OutputTokens = resp.Usage.OutputTokens
		call.Response = resp.Raw
		if resp.Latency > 0 {
			call.LatencyMs = int(resp.Latency.Milliseconds())
		}
	}
	if err != nil {
		call.Error = err.Error()
		if pe, ok := providers.AsError(err); ok {
			call.ErrorKind = string(pe.Kind)
		}
	}
	return call
}
