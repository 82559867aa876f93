package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

const (
	AnthropicName         = "anthropic"
	anthropicDefaultModel = "claude-sonnet-4-20250514"
)

// AnthropicConfig configures the Anthropic Messages adapter.
type AnthropicConfig struct {
	Name             string
	APIKey           Secret
	BaseURL          string
	DefaultModel     string
	Timeout          time.Duration
	ToolCalling      *bool
	MaxContextTokens int
	RateLimit        float64
	Logger           *slog.Logger
}

// AnthropicClient implements Adapter with the Anthropic SDK.
type AnthropicClient struct {
	name         string
	apiKey       Secret
	defaultModel string
	client       anthropic.Client
	caps         Capabilities
	limiter      *RateLimiter
	logger       *slog.Logger
}

// NewAnthropicClient creates an Anthropic adapter.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Name == "" {
		cfg.Name = AnthropicName
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = anthropicDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = 200000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tools := true
	if cfg.ToolCalling != nil {
		tools = *cfg.ToolCalling
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey.Reveal()),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		name:         cfg.Name,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       anthropic.NewClient(opts...),
		caps: Capabilities{
			SupportsToolCalling: tools,
			MaxContextTokens:    cfg.MaxContextTokens,
		},
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger,
	}
}

func (c *AnthropicClient) Name() string { return c.name }

func (c *AnthropicClient) Capabilities() Capabilities { return c.caps }

func (c *AnthropicClient) Model() string { return c.defaultModel }

func (c *AnthropicClient) Limiter() *RateLimiter { return c.limiter }

// Complete sends one Messages request. In tool mode the contract is the
// only tool and the model is forced to call it.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
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

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(defaultTemperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if req.Mode == ModeToolCalling {
		if req.Contract == nil {
			return nil, &Error{Kind: KindUnsupported, Provider: c.name, Message: "tool mode requires a contract"}
		}
		schema, err := contractSchemaMap(req.Contract)
		if err != nil {
			return nil, &Error{Kind: KindUnsupported, Provider: c.name, Message: err.Error()}
		}
		inputSchema := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					inputSchema.Required = append(inputSchema.Required, s)
				}
			}
		}
		tool := anthropic.ToolParam{
			Name:        req.Contract.Name,
			InputSchema: inputSchema,
		}
		if req.Contract.Description != "" {
			tool.Description = anthropic.String(req.Contract.Description)
		}
		params.Tools = []anthropic.ToolUnionParam{{OfTool: &tool}}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.Contract.Name},
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(c.name, err, c.apiKey)
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		pe := c.mapError(err)
		if pe.Kind == KindRateLimited {
			c.limiter.Record429(pe.RetryAfter)
		}
		return nil, pe
	}
	if message == nil || len(message.Content) == 0 {
		return nil, &Error{Kind: KindTransport, Provider: c.name, Message: "unexpected response format: no content blocks"}
	}

	resp := &Response{
		Mode:      req.Mode,
		Provider:  c.name,
		Model:     string(message.Model),
		RequestID: requestID,
		Usage: types.TokenUsage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
		Latency: time.Since(start),
	}
	if resp.Model == "" {
		resp.Model = model
	}

	for _, block := range message.Content {
		switch block.Type {
		case "tool_use":
			if req.Mode == ModeToolCalling {
				resp.Raw = string(block.Input)
				return resp, nil
			}
		case "text":
			resp.Raw += block.Text
		}
	}
	return resp, nil
}

func (c *AnthropicClient) mapError(err error) *Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		pe := classifyStatus(c.name, apiErr.StatusCode, header, apiErr.Error(), c.apiKey)
		pe.Err = fmt.Errorf("anthropic status %d", apiErr.StatusCode)
		return pe
	}
	return classifyTransport(c.name, err, c.apiKey)
}
