package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindAuthFailed  ErrorKind = "auth_failed"
	KindTimeout     ErrorKind = "timeout"
	KindUnsupported ErrorKind = "unsupported"
	KindTransport   ErrorKind = "transport"
)

// Error is returned by every Adapter.Complete failure.
// Messages never carry credentials.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	// RetryAfter is the backend's suggested wait, zero when absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request can succeed.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout:
		return true
	case KindTransport:
		return e.StatusCode == 0 || e.StatusCode >= 500
	}
	return false
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// unsupportedMarkers are substrings backends use when a model cannot take tools.
var unsupportedMarkers = []string{
	"does not support tools",
	"tools is not supported",
	"tool use is not supported",
	"support tool use",
	"function calling is not supported",
	"does not support function",
}

func isUnsupportedMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range unsupportedMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classifyStatus maps an HTTP failure to an *Error. body is scrubbed of the
// credential before it is kept.
func classifyStatus(provider string, status int, header http.Header, body string, secret Secret) *Error {
	msg := truncateMessage(secret.Scrub(strings.TrimSpace(body)))
	e := &Error{Provider: provider, StatusCode: status, Message: msg}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthFailed
		e.Message = "authentication failed"
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if header != nil {
			e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout || status == 524:
		e.Kind = KindTimeout
	case status >= 400 && status < 500 && isUnsupportedMessage(body):
		e.Kind = KindUnsupported
	default:
		e.Kind = KindTransport
	}
	return e
}

// classifyTransport maps a client-side failure (no HTTP status) to an *Error.
func classifyTransport(provider string, err error, secret Secret) *Error {
	e := &Error{Provider: provider, Err: err, Message: truncateMessage(secret.Scrub(err.Error()))}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = KindTimeout
	default:
		e.Kind = KindTransport
	}
	return e
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// maxMessageBytes bounds provider error text kept on an Error.
const maxMessageBytes = 500

// truncateMessage cuts s to at most maxMessageBytes without splitting a
// UTF-8 sequence.
func truncateMessage(s string) string {
	if len(s) <= maxMessageBytes {
		return s
	}
	cut := maxMessageBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[truncated]"
}
