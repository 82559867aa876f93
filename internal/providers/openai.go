package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"

	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

const (
	OpenAIName         = "openai"
	AzureOpenAIName    = "azure_openai"
	OllamaName         = "ollama"
	OllamaBaseURL      = "http://localhost:11434/v1"
	openAIDefaultModel = "gpt-4.1-mini"
)

// OpenAIConfig configures the OpenAI-compatible adapter. It serves OpenAI,
// Azure OpenAI (APIVersion set) and Ollama (BaseURL pointing at /v1).
type OpenAIConfig struct {
	Name         string
	APIKey       Secret
	BaseURL      string
	APIVersion   string // Azure only
	DefaultModel string
	Timeout      time.Duration
	// ToolCalling defaults to true; set false for local models without tools.
	ToolCalling      *bool
	MaxContextTokens int
	RateLimit        float64
	Logger           *slog.Logger
}

// OpenAIClient implements Adapter with the official OpenAI SDK.
type OpenAIClient struct {
	name         string
	apiKey       Secret
	defaultModel string
	client       openai.Client
	caps         Capabilities
	limiter      *RateLimiter
	logger       *slog.Logger
}

// NewOpenAIClient creates an OpenAI-compatible adapter.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Name == "" {
		cfg.Name = OpenAIName
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openAIDefaultModel
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

	httpClient := &http.Client{Timeout: cfg.Timeout}
	opts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		// the enforcer owns retries
		option.WithMaxRetries(0),
	}
	if cfg.APIVersion != "" {
		opts = append(opts,
			azure.WithEndpoint(cfg.BaseURL, cfg.APIVersion),
			azure.WithAPIKey(cfg.APIKey.Reveal()),
		)
	} else {
		key := cfg.APIKey.Reveal()
		if key == "" {
			// Ollama ignores the key but the SDK requires one.
			key = "ollama"
		}
		opts = append(opts, option.WithAPIKey(key))
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
	}

	return &OpenAIClient{
		name:         cfg.Name,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       openai.NewClient(opts...),
		caps: Capabilities{
			SupportsToolCalling: tools,
			MaxContextTokens:    cfg.MaxContextTokens,
		},
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger,
	}
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) Capabilities() Capabilities { return c.caps }

func (c *OpenAIClient) Model() string { return c.defaultModel }

func (c *OpenAIClient) Limiter() *RateLimiter { return c.limiter }

// Complete sends one chat completion through the SDK.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
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

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(defaultTemperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
	}

	if req.Mode == ModeToolCalling {
		schema, err := contractSchemaMap(req.Contract)
		if err != nil || req.Contract == nil {
			return nil, &Error{Kind: KindUnsupported, Provider: c.name, Message: "tool mode requires a valid contract"}
		}
		fn := openai.FunctionDefinitionParam{
			Name:       req.Contract.Name,
			Parameters: openai.FunctionParameters(schema),
		}
		if req.Contract.Description != "" {
			fn.Description = openai.String(req.Contract.Description)
		}
		params.Tools = []openai.ChatCompletionToolUnionParam{openai.ChatCompletionFunctionTool(fn)}
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(c.name, err, c.apiKey)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		pe := c.mapError(err)
		if pe.Kind == KindRateLimited {
			c.limiter.Record429(pe.RetryAfter)
		}
		return nil, pe
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, &Error{Kind: KindTransport, Provider: c.name, Message: "empty choices in response"}
	}

	msg := completion.Choices[0].Message
	resp := &Response{
		Mode:      req.Mode,
		Provider:  c.name,
		Model:     completion.Model,
		RequestID: requestID,
		Usage: types.TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
		Latency: time.Since(start),
	}
	if resp.Model == "" {
		resp.Model = model
	}
	if req.Mode == ModeToolCalling && len(msg.ToolCalls) > 0 {
		resp.Raw = msg.ToolCalls[0].Function.Arguments
	} else {
		resp.Raw = msg.Content
	}

	c.logger.Debug("completion received",
		"provider", c.name,
		"model", resp.Model,
		"mode", req.Mode,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"latency", resp.Latency)
	return resp, nil
}

// mapError converts SDK errors into *Error.
func (c *OpenAIClient) mapError(err error) *Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var header http.Header
		if apiErr.Response != nil {
			header = apiErr.Response.Header
		}
		pe := classifyStatus(c.name, apiErr.StatusCode, header, apiErr.Message, c.apiKey)
		pe.Err = fmt.Errorf("openai status %d", apiErr.StatusCode)
		return pe
	}
	return classifyTransport(c.name, err, c.apiKey)
}
