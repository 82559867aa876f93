package enforcer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies terminal enforcement failures.
type ErrorKind string

const (
	KindValidationExhausted ErrorKind = "validation_exhausted"
	KindProviderExhausted   ErrorKind = "provider_exhausted"
	KindUnsupported         ErrorKind = "unsupported"
	KindTimeout             ErrorKind = "timeout"
)

// ExtractionError is returned from Failed. LastRaw holds the last provider
// output for diagnostics and may be empty.
type ExtractionError struct {
	Kind     ErrorKind
	LastRaw  string
	Cause    error
	Attempts int
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("extraction failed (%s) after %d attempts: %v", e.Kind, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("extraction failed (%s) after %d attempts", e.Kind, e.Attempts)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// AsExtractionError extracts an *ExtractionError from err.
func AsExtractionError(err error) (*ExtractionError, bool) {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
