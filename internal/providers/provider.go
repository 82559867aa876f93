package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// Mode selects how a structured response is requested from a backend.
type Mode string

const (
	// ModeToolCalling passes the contract as a tool/function schema and reads
	// the tool arguments back.
	ModeToolCalling Mode = "tool_calling"
	// ModeJSONInstructed relies on prompt instructions and reads the reply text.
	ModeJSONInstructed Mode = "json_instructed"
)

// Adapter is the uniform interface over inference backends.
// Only the adapter knows the backend's request shape, auth header and envelope.
type Adapter interface {
	// Name returns the configured provider name (e.g. "openrouter").
	Name() string

	// Capabilities reports what this provider/model combination supports.
	Capabilities() Capabilities

	// Complete sends one request. Failures are returned as *Error.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Capabilities is negotiated once per adapter from its configuration.
type Capabilities struct {
	SupportsToolCalling bool `json:"supports_tool_calling"`
	MaxContextTokens    int  `json:"max_context_tokens"`
}

// Contract is the structured-output contract passed in tool mode.
type Contract struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is one provider call.
type Request struct {
	System   string
	Prompt   string
	Contract *Contract
	Mode     Mode

	// Model overrides the adapter default when set.
	Model     string
	MaxTokens int

	// RequestID tags the call for tracing; generated when empty.
	RequestID string
}

// Response is the raw provider output plus accounting.
// Raw holds the tool arguments in tool mode and the reply text otherwise.
type Response struct {
	Raw       string           `json:"raw"`
	Mode      Mode             `json:"mode"`
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
	RequestID string           `json:"request_id"`
	Usage     types.TokenUsage `json:"usage"`
	Latency   time.Duration    `json:"latency"`
}

const (
	defaultMaxTokens        = 4096
	defaultMaxContextTokens = 128000
	defaultTemperature      = 0.0
)
