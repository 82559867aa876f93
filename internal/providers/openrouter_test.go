package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func chatResponse(message map[string]any) map[string]any {
	return map[string]any{
		"id":    "test-id",
		"model": "anthropic/claude-sonnet-4",
		"choices": []map[string]any{
			{"message": message, "finish_reason": "stop"},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
		},
	}
}

func testContract() *Contract {
	return &Contract{
		Name:   "extract_invoice",
		Schema: json.RawMessage(`{"type":"object","properties":{"amount":{"type":"number"}},"required":["amount"]}`),
	}
}

func TestOpenRouterClient_Complete(t *testing.T) {
	t.Run("json instructed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Method != http.MethodPost {
				t.Errorf("unexpected method: %s", r.Method)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("unexpected authorization: %s", auth)
			}
			var req openRouterRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if len(req.Tools) != 0 {
				t.Errorf("json mode should not send tools")
			}
			if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
				t.Errorf("messages = %+v, want system then user", req.Messages)
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(chatResponse(map[string]any{
				"role":    "assistant",
				"content": `{"amount": 500}`,
			}))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "test-key", BaseURL: server.URL})
		resp, err := client.Complete(context.Background(), &Request{
			System: "extract",
			Prompt: "Invoice total: $500",
			Mode:   ModeJSONInstructed,
		})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if resp.Raw != `{"amount": 500}` {
			t.Errorf("Raw = %q", resp.Raw)
		}
		if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 8 {
			t.Errorf("Usage = %+v", resp.Usage)
		}
		if resp.Provider != OpenRouterName {
			t.Errorf("Provider = %q", resp.Provider)
		}
	})

	t.Run("tool calling", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req openRouterRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if len(req.Tools) != 1 || req.Tools[0].Function.Name != "extract_invoice" {
				t.Errorf("tools = %+v", req.Tools)
			}
			if req.ToolChoice == nil {
				t.Error("tool_choice not set")
			}
			json.NewEncoder(w).Encode(chatResponse(map[string]any{
				"role":    "assistant",
				"content": nil,
				"tool_calls": []map[string]any{{
					"id":   "call-1",
					"type": "function",
					"function": map[string]any{
						"name":      "extract_invoice",
						"arguments": `{"amount":500}`,
					},
				}},
			}))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "test-key", BaseURL: server.URL})
		resp, err := client.Complete(context.Background(), &Request{
			Prompt:   "Invoice total: $500",
			Mode:     ModeToolCalling,
			Contract: testContract(),
		})
		if err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if resp.Raw != `{"amount":500}` {
			t.Errorf("Raw = %q", resp.Raw)
		}
	})
}

func TestOpenRouterClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		body      string
		wantKind  ErrorKind
		temporary bool
	}{
		{"unauthorized", http.StatusUnauthorized, nil, `{"error":{"message":"bad key test-key"}}`, KindAuthFailed, false},
		{"forbidden", http.StatusForbidden, nil, `{}`, KindAuthFailed, false},
		{"rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "2"}, `{}`, KindRateLimited, true},
		{"gateway timeout", http.StatusGatewayTimeout, nil, `{}`, KindTimeout, true},
		{"tools unsupported", http.StatusBadRequest, nil, `{"error":{"message":"No endpoints found that support tool use"}}`, KindUnsupported, false},
		{"server error", http.StatusBadGateway, nil, `{}`, KindTransport, true},
		{"bad request", http.StatusBadRequest, nil, `{"error":{"message":"invalid model"}}`, KindTransport, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewOpenRouterClient(OpenRouterConfig{APIKey: "test-key", BaseURL: server.URL})
			_, err := client.Complete(context.Background(), &Request{Prompt: "x", Mode: ModeJSONInstructed})
			pe, ok := AsError(err)
			if !ok {
				t.Fatalf("Complete() error = %v, want *Error", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", pe.Kind, tt.wantKind)
			}
			if pe.Temporary() != tt.temporary {
				t.Errorf("Temporary() = %v, want %v", pe.Temporary(), tt.temporary)
			}
			if strings.Contains(err.Error(), "test-key") {
				t.Errorf("error leaks credential: %v", err)
			}
			if tt.wantKind == KindRateLimited && pe.RetryAfter != 2*time.Second {
				t.Errorf("RetryAfter = %v, want 2s", pe.RetryAfter)
			}
		})
	}

	t.Run("empty choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"x","model":"m","choices":[]}`))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "test-key", BaseURL: server.URL})
		_, err := client.Complete(context.Background(), &Request{Prompt: "x"})
		pe, ok := AsError(err)
		if !ok || pe.Kind != KindTransport {
			t.Fatalf("Complete() error = %v, want transport", err)
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		// unblock the handler before Close waits on it
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "test-key", BaseURL: server.URL})
		_, err := client.Complete(ctx, &Request{Prompt: "x"})
		pe, ok := AsError(err)
		if !ok || pe.Kind != KindTimeout {
			t.Fatalf("Complete() error = %v, want timeout", err)
		}
	})
}
