package providers

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// Secret holds a resolved credential. Every rendering path (fmt, slog,
// JSON, YAML) prints a placeholder; Reveal is the only way to read it.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string { return s.String() }

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s Secret) MarshalYAML() (any, error) { return s.String(), nil }

// Reveal returns the credential for use in an outgoing request.
func (s Secret) Reveal() string { return string(s) }

// Empty reports whether no credential is set.
func (s Secret) Empty() bool { return s == "" }

// Scrub removes the credential from text.
func (s Secret) Scrub(text string) string {
	if len(s) < 4 {
		return text
	}
	return strings.ReplaceAll(text, string(s), redacted)
}
