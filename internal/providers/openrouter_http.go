package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// doRequest makes a single HTTP request to OpenRouter. Retries are the
// caller's business; every failure comes back as *Error.
func (c *OpenRouterClient) doRequest(ctx context.Context, path string, orReq *openRouterRequest) (*openRouterResponse, error) {
	bodyBytes, err := json.Marshal(orReq)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Provider: c.name, Message: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Provider: c.name, Message: "failed to create request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey.Reveal())
	req.Header.Set("HTTP-Referer", "https://github.com/DataFenix-Ltd/doc2json")
	req.Header.Set("X-Title", "doc2json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(c.name, err, c.apiKey)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(c.name, fmt.Errorf("failed to read response: %w", err), c.apiKey)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(c.name, resp.StatusCode, resp.Header, string(respBody), c.apiKey)
	}

	var orResp openRouterResponse
	if err := json.Unmarshal(respBody, &orResp); err != nil {
		return nil, &Error{Kind: KindTransport, Provider: c.name, StatusCode: resp.StatusCode, Message: "failed to unmarshal response", Err: err}
	}

	if orResp.Error != nil {
		return nil, c.classifyEnvelopeError(orResp.Error)
	}
	if len(orResp.Choices) == 0 {
		return nil, &Error{
			Kind:     KindTransport,
			Provider: c.name,
			Message:  fmt.Sprintf("empty choices in response (model=%s, id=%s)", orResp.Model, orResp.ID),
		}
	}
	return &orResp, nil
}

// classifyEnvelopeError maps an API error delivered inside a 200 response.
func (c *OpenRouterClient) classifyEnvelopeError(apiErr *openRouterError) *Error {
	msg := truncateMessage(c.apiKey.Scrub(apiErr.Message))
	code := fmt.Sprintf("%v", apiErr.Code)
	switch code {
	case "rate_limit_exceeded", "429":
		return &Error{Kind: KindRateLimited, Provider: c.name, Message: msg}
	case "401", "403":
		return &Error{Kind: KindAuthFailed, Provider: c.name, Message: "authentication failed"}
	case "overloaded", "500", "502", "503":
		// status 0 keeps it Temporary
		return &Error{Kind: KindTransport, Provider: c.name, Message: msg}
	}
	if isUnsupportedMessage(apiErr.Message) {
		return &Error{Kind: KindUnsupported, Provider: c.name, Message: msg}
	}
	return &Error{Kind: KindTransport, Provider: c.name, StatusCode: http.StatusBadRequest, Message: msg}
}
