package orchestrator

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Strategy decides what happens to documents over the character limit.
type Strategy string

const (
	// StrategyFull sends the whole document regardless of size.
	StrategyFull Strategy = "full"
	// StrategyTruncate cuts the document to MaxChars and appends TruncationMarker.
	StrategyTruncate Strategy = "truncate"
	// StrategyFail rejects the document with ErrDocumentTooLarge.
	StrategyFail Strategy = "fail"
)

const (
	DefaultMaxChars = 100000

	// Documents over either bound are logged as large.
	LargeDocChars = 30000
	LargeDocPages = 20

	TruncationMarker = "\n\n[... document truncated due to size limits ...]"
)

// ErrDocumentTooLarge is matched by *TooLargeError.
var ErrDocumentTooLarge = errors.New("document too large")

// TooLargeError reports a document rejected by StrategyFail.
type TooLargeError struct {
	Chars    int
	MaxChars int      `json:"max_chars" yaml:"max_chars"`
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("document exceeds size limit (%d chars > %d max); set large_doc_strategy to truncate or full to process anyway",
		e.Chars, e.MaxChars)
}

func (e *TooLargeError) Is(target error) bool { return target == ErrDocumentTooLarge }

// ParseStrategy validates a configured strategy. Empty means truncate.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyTruncate, nil
	case StrategyFull, StrategyTruncate, StrategyFail:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("invalid large_doc_strategy %q: must be one of full, truncate, fail", s)
}

// LargeDocPolicy is the per-schema size handling.
type LargeDocPolicy struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	MaxChars int      `json:"max_chars" yaml:"max_chars"`
}

// WithDefaults fills an empty strategy and limit.
func (p LargeDocPolicy) WithDefaults() LargeDocPolicy {
	if p.Strategy == "" {
		p.Strategy = StrategyTruncate
	}
	if p.MaxChars <= 0 {
		p.MaxChars = DefaultMaxChars
	}
	return p
}

// Apply returns the text to send and whether it was truncated. Sizes are
// measured in characters, not bytes.
func (p LargeDocPolicy) Apply(text string) (string, bool, error) {
	p = p.WithDefaults()
	chars := utf8.RuneCountInString(text)
	if chars <= p.MaxChars {
		return text, false, nil
	}
	switch p.Strategy {
	case StrategyFull:
		return text, false, nil
	case StrategyFail:
		return "", false, &TooLargeError{Chars: chars, MaxChars: p.MaxChars}
	}
	return truncateChars(text, p.MaxChars) + TruncationMarker, true, nil
}

// Plan reports how Apply would treat a document of chars characters
// without touching its text: how many characters would be sent, and
// whether it would be truncated or rejected.
func (p LargeDocPolicy) Plan(chars int) (sent int, truncated, rejected bool) {
	p = p.WithDefaults()
	if chars <= p.MaxChars || p.Strategy == StrategyFull {
		return chars, false, false
	}
	if p.Strategy == StrategyFail {
		return 0, false, true
	}
	return p.MaxChars, true, false
}

func truncateChars(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// IsLarge reports whether a document should be logged as large.
func IsLarge(chars, pages int) bool {
	return chars > LargeDocChars || pages > LargeDocPages
}
