// Package types provides shared types used across multiple packages.
// This package has no dependencies on other doc2json packages to avoid import cycles.
package types

import (
	"encoding/json"
	"time"
)

// ReviewStatus is the deterministic review label attached to an assessment.
type ReviewStatus string

const (
	// ReviewNeeded means a required field could not be extracted with confidence.
	ReviewNeeded ReviewStatus = "needs_review"
	// ReviewSuggested means optional fields are uncertain or new fields were spotted.
	ReviewSuggested ReviewStatus = "suggested_review"
	// ReviewNotNeeded means nothing was flagged.
	ReviewNotNeeded ReviewStatus = "no_review_needed"
)

// ParseReviewStatus converts a string to a ReviewStatus.
// Unknown values map to ReviewNeeded so they are never silently accepted.
func ParseReviewStatus(s string) ReviewStatus {
	switch s {
	case "no_review_needed":
		return ReviewNotNeeded
	case "suggested_review":
		return ReviewSuggested
	default:
		return ReviewNeeded
	}
}

// CandidateField is a field observed in a document that the schema lacks.
type CandidateField struct {
	Name          string `json:"name"`
	Evidence      string `json:"evidence"`
	SuggestedType string `json:"suggested_type,omitempty"`
	Description   string `json:"description,omitempty"`
}

// Assessment is produced once per record and never mutated.
type Assessment struct {
	Status             ReviewStatus     `json:"status"`
	AmbiguousFields    []string         `json:"ambiguous_fields"`
	Notes              []string         `json:"notes,omitempty"`
	CandidateNewFields []CandidateField `json:"candidate_new_fields,omitempty"`
}

// TokenUsage counts provider tokens.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the element-wise sum.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Total is input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Record is one extraction result, stamped with the exact schema version
// that produced it. Records are immutable once written.
type Record struct {
	ID               string          `json:"id"`
	SchemaName       string          `json:"schema_name"`
	SchemaVersion    int             `json:"schema_version"`
	SourceDocumentID string          `json:"source_document_id"`
	Payload          json.RawMessage `json:"payload"`
	ExtractedAt      time.Time       `json:"extracted_at"`
	Mode             string          `json:"mode"`
	Attempts         int             `json:"attempts"`
	Provider         string          `json:"provider,omitempty"`
	Model            string          `json:"model,omitempty"`
	Tokens           TokenUsage      `json:"tokens"`
	Truncated        bool            `json:"truncated,omitempty"`
	OriginalChars    int             `json:"original_chars,omitempty"`
	Assessment       *Assessment     `json:"assessment,omitempty"`
}

// Failure reports a document that did not produce a record.
type Failure struct {
	SchemaName       string    `json:"schema_name"`
	SchemaVersion    int       `json:"schema_version,omitempty"`
	SourceDocumentID string    `json:"source_document_id"`
	Kind             string    `json:"kind"`
	Error            string    `json:"error"`
	LastRaw          string    `json:"last_raw,omitempty"`
	FailedAt         time.Time `json:"failed_at"`
}
