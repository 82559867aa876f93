package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

const (
	OpenRouterName    = "openrouter"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// OpenRouterConfig holds configuration for the OpenRouter adapter.
type OpenRouterConfig struct {
	Name         string // Configured provider name (default: openrouter)
	APIKey       Secret
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	// ToolCalling can be set to false for routed models without tool support.
	ToolCalling      *bool
	MaxContextTokens int
	RateLimit        float64 // Requests per minute (0 = unlimited)
	Logger           *slog.Logger
}

// OpenRouterClient implements Adapter using the OpenRouter API.
type OpenRouterClient struct {
	name         string
	apiKey       Secret
	baseURL      string
	defaultModel string
	client       *http.Client
	caps         Capabilities
	limiter      *RateLimiter
	logger       *slog.Logger
}

// NewOpenRouterClient creates a new OpenRouter adapter.
func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.Name == "" {
		cfg.Name = OpenRouterName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic/claude-sonnet-4"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = defaultMaxContextTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tools := true
	if cfg.ToolCalling != nil {
		tools = *cfg.ToolCalling
	}

	return &OpenRouterClient{
		name:         cfg.Name,
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		caps: Capabilities{
			SupportsToolCalling: tools,
			MaxContextTokens:    cfg.MaxContextTokens,
		},
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger,
	}
}

// Name returns the configured provider name.
func (c *OpenRouterClient) Name() string {
	return c.name
}

// Capabilities reports tool support and context size.
func (c *OpenRouterClient) Capabilities() Capabilities {
	return c.caps
}

// Model returns the default model.
func (c *OpenRouterClient) Model() string {
	return c.defaultModel
}

// Limiter exposes the rate limiter for status reporting.
func (c *OpenRouterClient) Limiter() *RateLimiter {
	return c.limiter
}

// Complete sends one chat completion.
func (c *OpenRouterClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	orReq := openRouterRequest{
		Model:       model,
		Temperature: defaultTemperature,
		MaxTokens:   maxTokens,
		Usage:       &openRouterUsageReq{Include: true},
	}
	if req.System != "" {
		orReq.Messages = append(orReq.Messages, openRouterMessage{Role: "system", Content: req.System})
	}
	orReq.Messages = append(orReq.Messages, openRouterMessage{Role: "user", Content: req.Prompt})

	if req.Mode == ModeToolCalling {
		if req.Contract == nil {
			return nil, &Error{Kind: KindUnsupported, Provider: c.name, Message: "tool mode requires a contract"}
		}
		schema, err := sanitizeSchemaForModel(model, req.Contract.Schema)
		if err != nil {
			return nil, &Error{Kind: KindTransport, Provider: c.name, Message: err.Error(), Err: err}
		}
		orReq.Tools = []openRouterTool{{
			Type: "function",
			Function: openRouterToolFunction{
				Name:        req.Contract.Name,
				Description: req.Contract.Description,
				Parameters:  json.RawMessage(schema),
			},
		}}
		orReq.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.Contract.Name},
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(c.name, err, c.apiKey)
	}

	orResp, err := c.doRequest(ctx, "/chat/completions", &orReq)
	if err != nil {
		if pe, ok := AsError(err); ok && pe.Kind == KindRateLimited {
			c.limiter.Record429(pe.RetryAfter)
		}
		return nil, err
	}

	choice := orResp.Choices[0]
	resp := &Response{
		Mode:      req.Mode,
		Provider:  c.name,
		Model:     orResp.Model,
		RequestID: requestID,
		Usage: types.TokenUsage{
			InputTokens:  orResp.Usage.PromptTokens,
			OutputTokens: orResp.Usage.CompletionTokens,
		},
		Latency: time.Since(start),
	}
	if resp.Model == "" {
		resp.Model = model
	}

	if req.Mode == ModeToolCalling && len(choice.Message.ToolCalls) > 0 {
		resp.Raw = choice.Message.ToolCalls[0].Function.Arguments
		return resp, nil
	}

	content, err := messageText(choice.Message.Content)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Provider: c.name, Message: err.Error(), Err: err}
	}
	resp.Raw = content

	c.logger.Debug("completion received",
		"provider", c.name,
		"model", resp.Model,
		"mode", req.Mode,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"latency", resp.Latency)
	return resp, nil
}

// messageText flattens string or multipart content.
func messageText(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal content: %w", err)
		}
		return string(b), nil
	}
}
