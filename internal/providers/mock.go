package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

const MockClientName = "mock"

// MockStep is one scripted reply. Err wins over Raw.
type MockStep struct {
	Raw   string
	Err   error
	Usage types.TokenUsage
}

// MockClient is an Adapter for testing. Steps are consumed in order; once
// exhausted the last step repeats, or ResponseText when there are none.
type MockClient struct {
	ProviderName string
	Caps         Capabilities
	Latency      time.Duration
	ResponseText string
	Steps        []MockStep

	// Handler, when set, replaces scripted steps entirely.
	Handler func(ctx context.Context, req *Request, n int64) (string, error)

	requestCount atomic.Int64

	mu       sync.Mutex
	requests []Request
}

// NewMockClient creates a mock adapter with tool support enabled.
func NewMockClient() *MockClient {
	return &MockClient{
		ProviderName: MockClientName,
		Caps: Capabilities{
			SupportsToolCalling: true,
			MaxContextTokens:    defaultMaxContextTokens,
		},
		ResponseText: "{}",
	}
}

func (c *MockClient) Name() string {
	if c.ProviderName == "" {
		return MockClientName
	}
	return c.ProviderName
}

func (c *MockClient) Capabilities() Capabilities { return c.Caps }

func (c *MockClient) Model() string { return "mock-model" }

// Complete returns the next scripted reply.
func (c *MockClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	c.mu.Lock()
	c.requests = append(c.requests, *req)
	c.mu.Unlock()

	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return nil, classifyTransport(c.Name(), ctx.Err(), "")
		}
	} else if err := ctx.Err(); err != nil {
		return nil, classifyTransport(c.Name(), err, "")
	}

	var step MockStep
	switch {
	case c.Handler != nil:
		raw, err := c.Handler(ctx, req, count)
		step = MockStep{Raw: raw, Err: err}
	case len(c.Steps) > 0:
		idx := int(count) - 1
		if idx >= len(c.Steps) {
			idx = len(c.Steps) - 1
		}
		step = c.Steps[idx]
	default:
		step = MockStep{Raw: c.ResponseText}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	usage := step.Usage
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		// rough estimate, 4 chars per token
		usage = types.TokenUsage{
			InputTokens:  (len(req.System) + len(req.Prompt)) / 4,
			OutputTokens: len(step.Raw) / 4,
		}
	}

	return &Response{
		Raw:       step.Raw,
		Mode:      req.Mode,
		Provider:  c.Name(),
		Model:     c.Model(),
		RequestID: fmt.Sprintf("mock-%d", count),
		Usage:     usage,
		Latency:   time.Since(start),
	}, nil
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// Requests returns a copy of every request received.
func (c *MockClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}

var _ Adapter = (*MockClient)(nil)
