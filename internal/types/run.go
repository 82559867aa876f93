package types

import "time"

// Document is one decoded source document. Text is plain text; format
// specific parsing is the source's job. Err reports a document the source
// listed but could not read; it becomes a per-document failure.
type Document struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Text     string `json:"-"`
	MimeHint string `json:"mime_hint,omitempty"`
	Pages    int    `json:"pages,omitempty"`
	Err      error  `json:"-"`
}

// FileMetadata describes the processing of one document in a run.
type FileMetadata struct {
	Type             string     `json:"_type"`
	RecordID         string     `json:"record_id,omitempty"`
	SourceDocumentID string     `json:"source_document_id"`
	SchemaVersion    int        `json:"schema_version,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      time.Time  `json:"completed_at"`
	DurationMs       int64      `json:"duration_ms"`
	Success          bool       `json:"success"`
	CharCount        int        `json:"char_count"`
	PageCount        int        `json:"page_count,omitempty"`
	Truncated        bool       `json:"truncated"`
	Provider         string     `json:"provider,omitempty"`
	Model            string     `json:"model,omitempty"`
	Mode             string     `json:"mode,omitempty"`
	Attempts         int        `json:"attempts,omitempty"`
	ExtractTokens    TokenUsage `json:"extract_tokens"`
	AssessTokens     TokenUsage `json:"assess_tokens"`
	TotalTokens      int        `json:"total_tokens"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// RunMetadata summarizes a batch run.
type RunMetadata struct {
	Type          string               `json:"_type"`
	ID            string               `json:"id"`
	SchemaName    string               `json:"schema_name"`
	SchemaVersion int                  `json:"schema_version"`
	Provider      string               `json:"provider"`
	Model         string               `json:"model"`
	StartedAt     time.Time            `json:"started_at"`
	CompletedAt   time.Time            `json:"completed_at"`
	DurationMs    int64                `json:"duration_ms"`
	Processed     int                  `json:"files_processed"`
	Succeeded     int                  `json:"files_succeeded"`
	Failed        int                  `json:"files_failed"`
	Tokens        TokenUsage           `json:"tokens"`
	ReviewSummary map[ReviewStatus]int `json:"review_summary,omitempty"`
	Files         []FileMetadata       `json:"-"`
}

// Metadata record type tags, matching the first key of each .meta.jsonl line.
const (
	MetaTypeRun        = "run_summary"
	MetaTypeExtraction = "extraction"
)
