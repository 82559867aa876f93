package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-provider token bucket with usage statistics.
type RateLimiter struct {
	limiter *rate.Limiter

	mu            sync.Mutex
	requestsPerMn float64
	totalConsumed int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	RequestsPerMinute float64       `json:"requests_per_minute"`
	TokensAvailable   float64       `json:"tokens_available"`
	TotalConsumed     int64         `json:"total_consumed"`
	TotalWaited       time.Duration `json:"total_waited"`
	Last429Time       time.Time     `json:"last_429_time,omitempty"`
}

// NewRateLimiter creates a limiter allowing requestsPerMinute with a burst of
// the same size. Zero or negative disables limiting.
func NewRateLimiter(requestsPerMinute float64) *RateLimiter {
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Limit(requestsPerMinute / 60.0)
		burst = max(1, int(requestsPerMinute))
	}
	return &RateLimiter{
		limiter:       rate.NewLimiter(limit, burst),
		requestsPerMn: requestsPerMinute,
	}
}

// Wait blocks until a request may proceed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	waited := time.Since(start)

	r.mu.Lock()
	r.totalConsumed++
	r.totalWaited += waited
	r.mu.Unlock()
	return nil
}

// Record429 notes a rate-limit response. When the backend suggests a wait,
// the bucket is drained so concurrent callers back off too.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.last429Time = time.Now()
	r.mu.Unlock()

	if retryAfter > 0 && r.requestsPerMn > 0 {
		r.limiter.ReserveN(time.Now(), r.limiter.Burst())
	}
}

// Status returns current limiter state.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimiterStatus{
		RequestsPerMinute: r.requestsPerMn,
		TokensAvailable:   r.limiter.Tokens(),
		TotalConsumed:     r.totalConsumed,
		TotalWaited:       r.totalWaited,
		Last429Time:       r.last429Time,
	}
}
