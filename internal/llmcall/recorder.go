package llmcall

import (
	"sync"

	"github.com/DataFenix-Ltd/doc2json/internal/storage"
)

// Recorder receives every provider call. Implementations must not block.
type Recorder interface {
	RecordCall(call *Call)
}

// SinkRecorder handles fire-and-forget recording via a storage.Sink.
type SinkRecorder struct {
	sink *storage.Sink
}

// NewRecorder creates a recorder writing to the llm_calls table.
func NewRecorder(sink *storage.Sink) *SinkRecorder {
	return &SinkRecorder{sink: sink}
}

var callColumns = []string{
	"id", "timestamp", "latency_ms", "prompt_key", "schema_name", "document_id",
	"provider", "model", "mode", "attempt", "input_tokens", "output_tokens",
	"response", "success", "error_kind", "error",
}

// RecordCall queues the call; the write is batched.
func (r *SinkRecorder) RecordCall(call *Call) {
	if r == nil || r.sink == nil || call == nil {
		return
	}
	r.sink.Send(storage.WriteOp{
		Table:   "llm_calls",
		Columns: callColumns,
		Values: []any{
			call.ID, storage.FormatTime(call.Timestamp), call.LatencyMs, call.PromptKey,
			call.SchemaName, call.DocumentID, call.Provider, call.Model, call.Mode,
			call.Attempt, call.InputTokens, call.OutputTokens, call.Response,
			storage.Bool(call.Success), call.ErrorKind, call.Error,
		},
	})
}

// MemoryRecorder keeps calls in memory. Used by tests and dry runs.
type MemoryRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (m *MemoryRecorder) RecordCall(call *Call) {
	if call == nil {
		return
	}
	m.mu.Lock()
	m.calls = append(m.calls, *call)
	m.mu.Unlock()
}

// Calls returns a copy of recorded calls.
func (m *MemoryRecorder) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}
