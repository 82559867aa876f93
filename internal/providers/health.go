package providers

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
)

const probePrompt = `Reply with the JSON object {"ok": true} and nothing else.`

// HealthResult is the outcome of a credential probe.
type HealthResult struct {
	Provider string        `json:"provider"`
	OK       bool          `json:"ok"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
	Attempts int           `json:"attempts"`
}

// HealthCheck sends a minimal request to verify the adapter's credentials
// and reachability. Temporary failures are retried; AuthFailed is not.
func HealthCheck(ctx context.Context, a Adapter, attempts uint, delay time.Duration) HealthResult {
	if attempts == 0 {
		attempts = 3
	}
	start := time.Now()
	res := HealthResult{Provider: a.Name()}

	err := retry.Do(
		func() error {
			res.Attempts++
			_, err := a.Complete(ctx, &Request{
				Prompt:    probePrompt,
				Mode:      ModeJSONInstructed,
				MaxTokens: 16,
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			pe, ok := AsError(err)
			return ok && pe.Temporary()
		}),
	)
	res.Latency = time.Since(start)
	if err == nil {
		res.OK = true
		return res
	}

	res.Error = err.Error()
	if pe, ok := AsError(err); ok {
		res.Kind = pe.Kind
	} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Kind = KindTimeout
	}
	return res
}

// CheckAll probes every registered adapter. The first AuthFailed result is
// returned as an error so callers can treat it as fatal.
func (r *Registry) CheckAll(ctx context.Context, attempts uint, delay time.Duration) ([]HealthResult, error) {
	var results []HealthResult
	var authErr error
	for _, name := range r.List() {
		a, err := r.Get(name)
		if err != nil {
			continue
		}
		res := HealthCheck(ctx, a, attempts, delay)
		results = append(results, res)
		if res.Kind == KindAuthFailed && authErr == nil {
			authErr = &Error{Kind: KindAuthFailed, Provider: name, Message: "authentication failed"}
		}
	}
	return results, authErr
}
