package llmcall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/storage"
)

// Store provides access to recorded calls.
type Store struct {
	db *storage.DB
}

// NewStore creates a new call store.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// QueryFilter specifies filters for listing calls.
type QueryFilter struct {
	SchemaName string
	DocumentID string
	PromptKey  string
	Provider   string
	Model      string
	After      *time.Time
	Before     *time.Time
	Success    *bool
	Limit      int
	Offset     int
}

const selectCalls = `SELECT id, timestamp, latency_ms, prompt_key, schema_name, document_id,
	provider, model, mode, attempt, input_tokens, output_tokens, response, success,
	error_kind, error FROM llm_calls`

// Get retrieves a single call by ID.
func (s *Store) Get(ctx context.Context, id string) (*Call, error) {
	row := s.db.QueryRowContext(ctx, selectCalls+` WHERE id = ?`, id)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("llm call %s: %w", id, storage.ErrNotFound)
	}
	return call, err
}

// List retrieves calls matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter QueryFilter) ([]Call, error) {
	var conditions []string
	var args []any
	add := func(cond string, v any) {
		conditions = append(conditions, cond)
		args = append(args, v)
	}

	if filter.SchemaName != "" {
		add("schema_name = ?", filter.SchemaName)
	}
	if filter.DocumentID != "" {
		add("document_id = ?", filter.DocumentID)
	}
	if filter.PromptKey != "" {
		add("prompt_key = ?", filter.PromptKey)
	}
	if filter.Provider != "" {
		add("provider = ?", filter.Provider)
	}
	if filter.Model != "" {
		add("model = ?", filter.Model)
	}
	if filter.Success != nil {
		add("success = ?", storage.Bool(*filter.Success))
	}
	if filter.After != nil {
		add("timestamp > ?", storage.FormatTime(*filter.After))
	}
	if filter.Before != nil {
		add("timestamp < ?", storage.FormatTime(*filter.Before))
	}

	query := selectCalls
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	return calls, rows.Err()
}

// CountByPromptKey returns call counts grouped by prompt key.
func (s *Store) CountByPromptKey(ctx context.Context, schemaName string) (map[string]int, error) {
	query := `SELECT prompt_key, COUNT(*) FROM llm_calls`
	var args []any
	if schemaName != "" {
		query += ` WHERE schema_name = ?`
		args = append(args, schemaName)
	}
	query += ` GROUP BY prompt_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (*Call, error) {
	var c Call
	var ts string
	var success int
	err := row.Scan(&c.ID, &ts, &c.LatencyMs, &c.PromptKey, &c.SchemaName, &c.DocumentID,
		&c.Provider, &c.Model, &c.Mode, &c.Attempt, &c.InputTokens, &c.OutputTokens,
		&c.Response, &success, &c.ErrorKind, &c.Error)
	if err != nil {
		return nil, err
	}
	c.Timestamp, _ = storage.ParseTime(ts)
	c.Success = success != 0
	return &c, nil
}
