package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestClassifyStatus(t *testing.T) {
	secret := Secret("sk-very-secret")

	t.Run("scrubs credential from body", func(t *testing.T) {
		e := classifyStatus("p", http.StatusBadRequest, nil, "bad request for sk-very-secret", secret)
		if strings.Contains(e.Error(), "sk-very-secret") {
			t.Errorf("Error() = %q leaks credential", e.Error())
		}
	})

	t.Run("auth failure drops body", func(t *testing.T) {
		e := classifyStatus("p", http.StatusUnauthorized, nil, "details here", secret)
		if e.Kind != KindAuthFailed || e.Message != "authentication failed" {
			t.Errorf("got %+v", e)
		}
	})

	t.Run("retry after header", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "3")
		e := classifyStatus("p", http.StatusTooManyRequests, h, "", secret)
		if e.RetryAfter != 3*time.Second {
			t.Errorf("RetryAfter = %v, want 3s", e.RetryAfter)
		}
	})
}

func TestClassifyTransport(t *testing.T) {
	if e := classifyTransport("p", context.DeadlineExceeded, ""); e.Kind != KindTimeout {
		t.Errorf("deadline Kind = %s, want timeout", e.Kind)
	}
	if e := classifyTransport("p", errors.New("connection refused"), ""); e.Kind != KindTransport || !e.Temporary() {
		t.Errorf("refused = %+v, want temporary transport", e)
	}
}

func TestAsErrorWrapped(t *testing.T) {
	inner := &Error{Kind: KindRateLimited, Provider: "p"}
	wrapped := fmt.Errorf("call failed: %w", inner)
	pe, ok := AsError(wrapped)
	if !ok || pe != inner {
		t.Fatalf("AsError() = %v, %v", pe, ok)
	}
}

func TestSecret(t *testing.T) {
	s := Secret("sk-abc123")
	if got := fmt.Sprintf("%v %s %#v", s, s, s); strings.Contains(got, "sk-abc123") {
		t.Errorf("formatting leaks secret: %q", got)
	}
	if s.Reveal() != "sk-abc123" {
		t.Errorf("Reveal() = %q", s.Reveal())
	}
	if Secret("").String() != "" {
		t.Error("empty secret should render empty")
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("unlimited", func(t *testing.T) {
		rl := NewRateLimiter(0)
		for i := 0; i < 100; i++ {
			if err := rl.Wait(context.Background()); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
		}
		if rl.Status().TotalConsumed != 100 {
			t.Errorf("TotalConsumed = %d", rl.Status().TotalConsumed)
		}
	})

	t.Run("context cancelled while waiting", func(t *testing.T) {
		rl := NewRateLimiter(1)
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := rl.Wait(ctx); err == nil {
			t.Error("Wait() should fail when the bucket is empty and ctx expires")
		}
	})

	t.Run("nil limiter", func(t *testing.T) {
		var rl *RateLimiter
		if err := rl.Wait(context.Background()); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	})
}

func TestTruncateMessage(t *testing.T) {
	short := "bad request"
	if got := truncateMessage(short); got != short {
		t.Errorf("truncateMessage(short) = %q", got)
	}

	// "é" is two bytes, so the limit lands inside the last rune
	long := strings.Repeat("a", maxMessageBytes-1) + strings.Repeat("é", 10)
	got := truncateMessage(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncateMessage() produced invalid UTF-8: %q", got[len(got)-20:])
	}
	want := strings.Repeat("a", maxMessageBytes-1) + "...[truncated]"
	if got != want {
		t.Errorf("truncateMessage() = ...%q, want ...%q", got[len(got)-20:], want[len(want)-20:])
	}

	e := classifyStatus("p", http.StatusBadRequest, nil, strings.Repeat("日本", 400), Secret(""))
	if !utf8.ValidString(e.Message) || !strings.HasSuffix(e.Message, "...[truncated]") {
		t.Errorf("status error message not cut cleanly: %q", e.Message[len(e.Message)-24:])
	}
}
