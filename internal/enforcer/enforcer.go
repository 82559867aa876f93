// Package enforcer drives one structured-output call to a validated result.
//
// Each Run is an explicit state machine:
//
//	Start ─┬─> ToolAttempt ──(Unsupported, once)──> JsonAttempt
//	       └─> JsonAttempt
//	ToolAttempt/JsonAttempt ──ok──> Validate ──ok──> Done
//	Validate ──invalid──> Retry ──budget left──> same attempt state
//	ToolAttempt/JsonAttempt ──RateLimited|Transport|Timeout──> RateLimited ──> same attempt state
//
// Validation retries and backoff retries are separate budgets. Exhausting
// either, or any non-retryable provider error, ends in Failed.
package enforcer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/llmcall"
	"github.com/DataFenix-Ltd/doc2json/internal/metrics"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// State is a node of the enforcement state machine.
type State string

const (
	StateStart       State = "start"
	StateToolAttempt State = "tool_attempt"
	StateJSONAttempt State = "json_attempt"
	StateValidate    State = "validate"
	StateRetry       State = "retry"
	StateRateLimited State = "rate_limited"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Defaults.
const (
	DefaultValidationRetries = 2
	DefaultBackoffRetries    = 3
	DefaultBaseDelay         = time.Second
	DefaultMaxDelay          = 30 * time.Second

	// maxFeedbackRaw bounds how much of an invalid response is echoed back.
	maxFeedbackRaw = 2000
)

// ErrEmptyDocument is the cause reported for blank input.
var ErrEmptyDocument = errors.New("document is empty")

// Config sets retry budgets. Zero values take the defaults; use
// NoValidationRetries or NoBackoffRetries to disable a budget.
type Config struct {
	ValidationRetries int
	BackoffRetries    int
	BaseDelay         time.Duration
	MaxDelay          time.Duration

	// Model overrides the adapter's default model.
	Model     string
	MaxTokens int
}

// NoValidationRetries and NoBackoffRetries disable a budget.
const (
	NoValidationRetries = -1
	NoBackoffRetries    = -1
)

func (c Config) withDefaults() Config {
	switch {
	case c.ValidationRetries == 0:
		c.ValidationRetries = DefaultValidationRetries
	case c.ValidationRetries < 0:
		c.ValidationRetries = 0
	}
	switch {
	case c.BackoffRetries == 0:
		c.BackoffRetries = DefaultBackoffRetries
	case c.BackoffRetries < 0:
		c.BackoffRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Enforcer runs extraction calls against one adapter.
// It is safe for concurrent use; each Run carries its own state.
type Enforcer struct {
	adapter  providers.Adapter
	cfg      Config
	recorder llmcall.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Option customizes an Enforcer.
type Option func(*Enforcer)

// WithRecorder records every provider call.
func WithRecorder(r llmcall.Recorder) Option {
	return func(e *Enforcer) { e.recorder = r }
}

// WithMetrics reports calls and retries to Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithSleeper replaces the backoff wait. Tests use it to avoid real delays.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Enforcer) { e.sleep = fn }
}

// WithJitter replaces the jitter source; fn returns a value in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(e *Enforcer) { e.jitter = fn }
}

// New creates an Enforcer.
func New(adapter providers.Adapter, cfg Config, opts ...Option) *Enforcer {
	e := &Enforcer{
		adapter: adapter,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		sleep:   sleepContext,
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Adapter returns the adapter in use.
func (e *Enforcer) Adapter() providers.Adapter { return e.adapter }

// Task is one extraction request.
type Task struct {
	// Descriptor is the pinned schema version. Required.
	Descriptor *descriptor.Descriptor
	// Validator is an optional precompiled validator for Descriptor.
	Validator *descriptor.Validator

	// Document is the source text. Blank documents fail without a call.
	Document   string
	DocumentID string

	// Instruction leads the prompt; defaults to the extraction instruction.
	Instruction string
	// PromptKey tags recorded calls; defaults to llmcall.PromptExtract.
	PromptKey string
}

// Step is one entry of the attempt trace.
type Step struct {
	State State          `json:"state"`
	Mode  providers.Mode `json:"mode,omitempty"`
	Error string         `json:"error,omitempty"`
	Wait  time.Duration  `json:"wait,omitempty"`
}

// Result is the outcome of a successful Run.
type Result struct {
	// Payload is the validated payload in canonical form.
	Payload json.RawMessage `json:"payload"`
	// Mode is the mode that produced Payload.
	Mode     providers.Mode   `json:"mode"`
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Attempts int              `json:"attempts"`
	Usage    types.TokenUsage `json:"usage"`

	ValidationRetries int    `json:"validation_retries"`
	BackoffRetries    int    `json:"backoff_retries"`
	FellBack          bool   `json:"fell_back"`
	Trace             []Step `json:"trace"`
}

// run holds the mutable state of a single Run.
type run struct {
	task      Task
	validator *descriptor.Validator
	contract  *providers.Contract
	base      string

	state     State
	resume    State // attempt state to re-enter after Retry/RateLimited
	fellBack  bool
	feedback  string
	lastRaw   string
	lastResp  *providers.Response
	lastErr   error
	wait      time.Duration
	backoffN  int
	valLeft   int
	backLeft  int
	attempts  int
	usage     types.TokenUsage
	trace     []Step
	validated json.RawMessage
}

// Run drives the state machine to Done or Failed. Failures are returned as
// *ExtractionError; the partial Result (trace, usage) is returned alongside.
func (e *Enforcer) Run(ctx context.Context, task Task) (*Result, error) {
	if task.Descriptor == nil {
		return nil, fmt.Errorf("enforcer: task has no descriptor")
	}
	if task.PromptKey == "" {
		task.PromptKey = llmcall.PromptExtract
	}

	r := &run{
		task:     task,
		state:    StateStart,
		valLeft:  e.cfg.ValidationRetries,
		backLeft: e.cfg.BackoffRetries,
	}

	if strings.TrimSpace(task.Document) == "" {
		r.trace = append(r.trace, Step{State: StateFailed, Error: ErrEmptyDocument.Error()})
		return r.result(), &ExtractionError{Kind: KindValidationExhausted, Cause: ErrEmptyDocument}
	}

	r.validator = task.Validator
	if r.validator == nil {
		v, err := task.Descriptor.Compile()
		if err != nil {
			return nil, fmt.Errorf("enforcer: %w", err)
		}
		r.validator = v
	}
	schema, err := task.Descriptor.JSONSchemaBytes()
	if err != nil {
		return nil, fmt.Errorf("enforcer: %w", err)
	}
	r.contract = &providers.Contract{
		Name:        "record_" + task.Descriptor.Name,
		Description: contractDescription(task.Descriptor),
		Schema:      schema,
	}
	r.base = basePrompt(task)

	for {
		switch r.state {
		case StateStart:
			if e.adapter.Capabilities().SupportsToolCalling {
				r.state = StateToolAttempt
			} else {
				r.state = StateJSONAttempt
			}
			r.resume = r.state

		case StateToolAttempt, StateJSONAttempt:
			if err := e.attempt(ctx, r); err != nil {
				return r.result(), err
			}

		case StateRateLimited:
			if r.backLeft == 0 {
				return r.result(), e.fail(r, KindProviderExhausted, r.lastErr)
			}
			r.backLeft--
			wait := r.wait
			if wait <= 0 {
				wait = e.backoff(r.backoffN)
			}
			r.backoffN++
			r.trace = append(r.trace, Step{State: StateRateLimited, Wait: wait})
			e.metrics.ObserveRetry("backoff")
			e.logger.Debug("backing off",
				"document", task.DocumentID,
				"wait", wait,
				"budget_left", r.backLeft)
			if err := e.sleep(ctx, wait); err != nil {
				return r.result(), e.fail(r, KindTimeout, ctxCause(ctx, err))
			}
			r.state = r.resume

		case StateValidate:
			e.validate(r)

		case StateRetry:
			if r.valLeft == 0 {
				return r.result(), e.fail(r, KindValidationExhausted, r.lastErr)
			}
			r.valLeft--
			r.trace = append(r.trace, Step{State: StateRetry, Mode: modeFor(r.resume)})
			e.metrics.ObserveRetry("validation")
			r.state = r.resume

		case StateDone:
			r.trace = append(r.trace, Step{State: StateDone, Mode: modeFor(r.resume)})
			res := r.result()
			res.Payload = r.validated
			return res, nil
		}
	}
}

// attempt performs one provider call from ToolAttempt or JsonAttempt.
func (e *Enforcer) attempt(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil {
		return e.fail(r, KindTimeout, ctxCause(ctx, err))
	}

	mode := modeFor(r.state)
	req := &providers.Request{
		System:    systemPrompt(mode),
		Prompt:    r.prompt(mode),
		Mode:      mode,
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
	}
	if mode == providers.ModeToolCalling {
		req.Contract = r.contract
	}

	r.attempts++
	start := time.Now()
	resp, err := e.adapter.Complete(ctx, req)
	e.observe(r, mode, resp, err, time.Since(start))

	if err == nil {
		r.lastResp = resp
		r.lastRaw = resp.Raw
		r.usage = r.usage.Add(resp.Usage)
		r.trace = append(r.trace, Step{State: r.state, Mode: mode})
		r.resume = r.state
		r.state = StateValidate
		return nil
	}

	r.lastErr = err
	r.trace = append(r.trace, Step{State: r.state, Mode: mode, Error: err.Error()})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return e.fail(r, KindTimeout, ctxCause(ctx, err))
	}

	pe, ok := providers.AsError(err)
	if !ok {
		return e.fail(r, KindProviderExhausted, err)
	}
	switch pe.Kind {
	case providers.KindUnsupported:
		if r.state == StateToolAttempt && !r.fellBack {
			r.fellBack = true
			r.feedback = ""
			r.state = StateJSONAttempt
			r.resume = StateJSONAttempt
			e.metrics.ObserveRetry("fallback")
			e.logger.Info("tool calling unsupported, falling back to json mode",
				"provider", e.adapter.Name(),
				"document", r.task.DocumentID)
			return nil
		}
		return e.fail(r, KindUnsupported, err)
	case providers.KindAuthFailed:
		return e.fail(r, KindProviderExhausted, err)
	case providers.KindRateLimited, providers.KindTimeout, providers.KindTransport:
		if !pe.Temporary() {
			return e.fail(r, KindProviderExhausted, err)
		}
		r.wait = pe.RetryAfter
		r.resume = r.state
		r.state = StateRateLimited
		return nil
	}
	return e.fail(r, KindProviderExhausted, err)
}

// validate parses and checks the last raw response.
func (e *Enforcer) validate(r *run) {
	raw, err := providers.ParseStructuredJSON(r.lastRaw)
	if err == nil {
		var payload json.RawMessage
		payload, err = r.validator.Validate(raw)
		if err == nil {
			r.validated = payload
			r.state = StateDone
			return
		}
	}

	r.lastErr = err
	r.feedback = feedbackFor(err, r.lastRaw)
	r.trace = append(r.trace, Step{State: StateValidate, Mode: modeFor(r.resume), Error: err.Error()})
	e.logger.Debug("validation failed",
		"document", r.task.DocumentID,
		"schema", r.task.Descriptor.Ref(),
		"error", err)
	r.state = StateRetry
}

func (e *Enforcer) fail(r *run, kind ErrorKind, cause error) *ExtractionError {
	r.trace = append(r.trace, Step{State: StateFailed, Error: string(kind)})
	return &ExtractionError{
		Kind:     kind,
		LastRaw:  r.lastRaw,
		Cause:    cause,
		Attempts: r.attempts,
	}
}

func (e *Enforcer) observe(r *run, mode providers.Mode, resp *providers.Response, err error, latency time.Duration) {
	outcome := "ok"
	in, out := 0, 0
	if err != nil {
		outcome = "error"
		if pe, ok := providers.AsError(err); ok {
			outcome = string(pe.Kind)
		}
	} else if resp != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	e.metrics.ObserveProviderCall(e.adapter.Name(), string(mode), outcome, latency, in, out)

	if e.recorder != nil {
		e.recorder.RecordCall(llmcall.FromResponse(resp, err, llmcall.RecordOptions{
			SchemaName: r.task.Descriptor.Name,
			DocumentID: r.task.DocumentID,
			PromptKey:  r.task.PromptKey,
			Attempt:    r.attempts,
			Provider:   e.adapter.Name(),
			Mode:       mode,
			Latency:    latency,
		}))
	}
}

// backoff returns base*2^n capped at MaxDelay, scaled by 0.8–1.3.
func (e *Enforcer) backoff(n int) time.Duration {
	d := e.cfg.BaseDelay << n
	if d <= 0 || d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return time.Duration(float64(d) * (0.8 + 0.5*e.jitter()))
}

func (r *run) result() *Result {
	res := &Result{
		Mode:     modeFor(r.resume),
		Attempts: r.attempts,
		Usage:    r.usage,
		FellBack: r.fellBack,
		Trace:    r.trace,
	}
	for _, s := range r.trace {
		switch s.State {
		case StateRetry:
			res.ValidationRetries++
		case StateRateLimited:
			res.BackoffRetries++
		}
	}
	if r.lastResp != nil {
		res.Provider = r.lastResp.Provider
		res.Model = r.lastResp.Model
	}
	return res
}

func modeFor(s State) providers.Mode {
	if s == StateToolAttempt {
		return providers.ModeToolCalling
	}
	return providers.ModeJSONInstructed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ctxCause prefers the context's error so deadlines read as such.
func ctxCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
