package destinations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DataFenix-Ltd/doc2json/internal/storage"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

var recordColumns = []string{
	"id", "schema_name", "schema_version", "source_document_id", "payload",
	"extracted_at", "mode", "attempts", "provider", "model", "input_tokens",
	"output_tokens", "truncated", "original_chars", "review_status", "assessment",
}

var runColumns = []string{
	"id", "schema_name", "schema_version", "provider", "model", "started_at",
	"completed_at", "processed", "succeeded", "failed", "input_tokens",
	"output_tokens", "metadata",
}

// SQL writes records and runs into the shared storage tables.
type SQL struct {
	db   *storage.DB
	owns bool
}

// NewSQL writes into db. When owns is set Close also closes db.
func NewSQL(db *storage.DB, owns bool) *SQL {
	return &SQL{db: db, owns: owns}
}

func (s *SQL) Location() string { return "sql:" + string(s.db.Dialect()) }

func (s *SQL) WriteRecord(ctx context.Context, rec *types.Record) error {
	var status, assessment string
	if rec.Assessment != nil {
		status = string(rec.Assessment.Status)
		data, err := json.Marshal(rec.Assessment)
		if err != nil {
			return fmt.Errorf("encode assessment: %w", err)
		}
		assessment = string(data)
	}
	_, err := s.db.ExecContext(ctx, storage.InsertSQL("records", recordColumns),
		rec.ID, rec.SchemaName, rec.SchemaVersion, rec.SourceDocumentID, string(rec.Payload),
		storage.FormatTime(rec.ExtractedAt), rec.Mode, rec.Attempts, rec.Provider, rec.Model,
		rec.Tokens.InputTokens, rec.Tokens.OutputTokens, storage.Bool(rec.Truncated),
		rec.OriginalChars, status, assessment)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// runDocument is the stored form of run metadata, files included.
type runDocument struct {
	*types.RunMetadata
	Files []types.FileMetadata `json:"files"`
}

func (s *SQL) WriteMetadata(ctx context.Context, run *types.RunMetadata) error {
	data, err := json.Marshal(runDocument{RunMetadata: run, Files: run.Files})
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, storage.InsertSQL("runs", runColumns),
		run.ID, run.SchemaName, run.SchemaVersion, run.Provider, run.Model,
		storage.FormatTime(run.StartedAt), storage.FormatTime(run.CompletedAt),
		run.Processed, run.Succeeded, run.Failed, run.Tokens.InputTokens,
		run.Tokens.OutputTokens, string(data))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQL) Close() error {
	if s.owns {
		return s.db.Close()
	}
	return nil
}

// RecordsForSchema returns the stored records of a schema, oldest first.
func RecordsForSchema(ctx context.Context, db storage.Querier, schemaName string) ([]*types.Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, schema_version, source_document_id, payload,
		extracted_at, mode, attempts, provider, model, input_tokens, output_tokens,
		truncated, original_chars, assessment
		FROM records WHERE schema_name = ? ORDER BY extracted_at, id`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		rec := &types.Record{SchemaName: schemaName}
		var payload, extractedAt, assessment string
		var truncated int
		if err := rows.Scan(&rec.ID, &rec.SchemaVersion, &rec.SourceDocumentID, &payload,
			&extractedAt, &rec.Mode, &rec.Attempts, &rec.Provider, &rec.Model,
			&rec.Tokens.InputTokens, &rec.Tokens.OutputTokens, &truncated,
			&rec.OriginalChars, &assessment); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		rec.Truncated = truncated != 0
		if rec.ExtractedAt, err = storage.ParseTime(extractedAt); err != nil {
			return nil, err
		}
		if assessment != "" {
			rec.Assessment = new(types.Assessment)
			if err := json.Unmarshal([]byte(assessment), rec.Assessment); err != nil {
				return nil, fmt.Errorf("decode assessment of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
