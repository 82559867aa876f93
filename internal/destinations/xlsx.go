package destinations

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

const (
	recordsSheet = "Records"
	runsSheet    = "Runs"
)

var fixedHeaders = []string{"record_id", "source_document_id", "schema_version", "review_status"}

// XLSX buffers records and writes a workbook on Close. Top-level payload
// keys become columns; nested values are written as JSON.
type XLSX struct {
	path string

	mu      sync.Mutex
	records []*types.Record
	runs    []*types.RunMetadata
	closed  bool
}

// NewXLSX prepares a workbook at path. Nothing is written until Close.
func NewXLSX(path string) (*XLSX, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &XLSX{path: path}, nil
}

func (x *XLSX) Location() string { return x.path }

func (x *XLSX) WriteRecord(ctx context.Context, rec *types.Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("xlsx destination is closed")
	}
	x.records = append(x.records, rec)
	return nil
}

func (x *XLSX) WriteMetadata(ctx context.Context, run *types.RunMetadata) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return fmt.Errorf("xlsx destination is closed")
	}
	x.runs = append(x.runs, run)
	return nil
}

// Close renders and saves the workbook.
func (x *XLSX) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", recordsSheet); err != nil {
		return err
	}
	if err := x.writeRecords(f); err != nil {
		return err
	}
	if _, err := f.NewSheet(runsSheet); err != nil {
		return err
	}
	x.writeRuns(f)

	idx, _ := f.GetSheetIndex(recordsSheet)
	f.SetActiveSheet(idx)
	if err := f.SaveAs(x.path); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func (x *XLSX) writeRecords(f *excelize.File) error {
	payloads := make([]map[string]any, len(x.records))
	keys := map[string]bool{}
	for i, rec := range x.records {
		if err := json.Unmarshal(rec.Payload, &payloads[i]); err != nil {
			return fmt.Errorf("decode payload of %s: %w", rec.ID, err)
		}
		for k := range payloads[i] {
			keys[k] = true
		}
	}
	fields := make([]string, 0, len(keys))
	for k := range keys {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	headers := append(append([]string{}, fixedHeaders...), fields...)
	setRow(f, recordsSheet, 1, toAny(headers))

	for i, rec := range x.records {
		status := ""
		if rec.Assessment != nil {
			status = string(rec.Assessment.Status)
		}
		row := []any{rec.ID, rec.SourceDocumentID, rec.SchemaVersion, status}
		for _, k := range fields {
			row = append(row, cellValue(payloads[i][k]))
		}
		setRow(f, recordsSheet, i+2, row)
	}
	return nil
}

func (x *XLSX) writeRuns(f *excelize.File) {
	headers := []string{"run_id", "schema", "version", "provider", "model", "started_at",
		"duration_ms", "processed", "succeeded", "failed", "input_tokens", "output_tokens"}
	setRow(f, runsSheet, 1, toAny(headers))
	for i, r := range x.runs {
		setRow(f, runsSheet, i+2, []any{
			r.ID, r.SchemaName, r.SchemaVersion, r.Provider, r.Model,
			r.StartedAt.Format("2006-01-02 15:04:05"), r.DurationMs, r.Processed,
			r.Succeeded, r.Failed, r.Tokens.InputTokens, r.Tokens.OutputTokens,
		})
	}
	_ = f.SetColWidth(runsSheet, "A", "A", 38)
}

func setRow(f *excelize.File, sheet string, row int, values []any) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// cellValue keeps scalars and encodes objects and lists as JSON.
func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return ""
	case map[string]any, []any:
		data, _ := json.Marshal(v)
		return string(data)
	}
	return v
}
