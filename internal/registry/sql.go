package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/storage"
)

// SQLStore persists the registry in the schemas, schema_versions and
// suggestions tables. The active-version flip is a conditional UPDATE on
// the expected prior version.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore creates a store over a migrated database.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM schemas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLStore) Active(ctx context.Context, name string) (*descriptor.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT v.descriptor FROM schemas s
		JOIN schema_versions v ON v.name = s.name AND v.version = s.active_version
		WHERE s.name = ?`, name)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schema %q: %w", name, ErrNotFound)
	}
	return d, err
}

func (s *SQLStore) Version(ctx context.Context, name string, version int) (*descriptor.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT descriptor FROM schema_versions WHERE name = ? AND version = ?`, name, version)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schema %s@v%d: %w", name, version, ErrNotFound)
	}
	return d, err
}

func (s *SQLStore) Versions(ctx context.Context, name string) ([]*descriptor.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT descriptor FROM schema_versions WHERE name = ? ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*descriptor.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("schema %q: %w", name, ErrNotFound)
	}
	return out, nil
}

func (s *SQLStore) Create(ctx context.Context, d *descriptor.Descriptor) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		var existing int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schemas WHERE name = ?`, d.Name).Scan(&existing)
		if err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("schema %q: %w", d.Name, ErrExists)
		}
		if err := insertVersion(ctx, tx, d); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO schemas (name, active_version, updated_at) VALUES (?, ?, ?)`,
			d.Name, d.Version, storage.FormatTime(d.CreatedAt))
		return err
	})
}

func (s *SQLStore) Promote(ctx context.Context, p Promotion) error {
	d := p.Descriptor
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE schemas SET active_version = ?, updated_at = ?
			WHERE name = ? AND active_version = ?`,
			d.Version, storage.FormatTime(p.At), d.Name, p.ExpectedActive)
		if err != nil {
			return fmt.Errorf("flip active version: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%s: expected active v%d: %w", d.Name, p.ExpectedActive, ErrVersionConflict)
		}

		if err := insertVersion(ctx, tx, d); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%s@v%d exists: %w", d.Name, d.Version, ErrVersionConflict)
			}
			return err
		}

		if p.SuggestionID != "" {
			res, err := tx.ExecContext(ctx, `UPDATE suggestions SET status = ?, resolved_at = ?, applied_version = ?
				WHERE id = ? AND status = ?`,
				string(StatusApplied), storage.FormatTime(p.At), d.Version, p.SuggestionID, string(StatusPending))
			if err != nil {
				return fmt.Errorf("resolve suggestion: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return fmt.Errorf("suggestion %s: %w", p.SuggestionID, ErrSuggestionResolved)
			}
		}
		return nil
	})
}

func insertVersion(ctx context.Context, q storage.Querier, d *descriptor.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO schema_versions (name, version, parent_version, descriptor, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.Name, d.Version, d.ParentVersion, string(data), storage.FormatTime(d.CreatedAt))
	return err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (*descriptor.Descriptor, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var d descriptor.Descriptor
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return &d, nil
}

const selectSuggestions = `SELECT id, base_schema_name, base_version, proposed_fields, supporting_evidence,
	samples, batch_size, status, created_at, resolved_at, applied_version FROM suggestions`

func (s *SQLStore) SaveSuggestion(ctx context.Context, sug *Suggestion) error {
	fields, err := json.Marshal(sug.ProposedFields)
	if err != nil {
		return err
	}
	evidence, err := json.Marshal(sug.SupportingEvidence)
	if err != nil {
		return err
	}
	samples, err := json.Marshal(sug.Samples)
	if err != nil {
		return err
	}
	resolved := ""
	if !sug.ResolvedAt.IsZero() {
		resolved = storage.FormatTime(sug.ResolvedAt)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO suggestions (id, base_schema_name, base_version, proposed_fields,
		supporting_evidence, samples, batch_size, status, created_at, resolved_at, applied_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sug.ID, sug.BaseSchemaName, sug.BaseVersion, string(fields), string(evidence), string(samples),
		sug.BatchSize, string(sug.Status), storage.FormatTime(sug.CreatedAt), resolved, sug.AppliedVersion)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

func (s *SQLStore) Suggestion(ctx context.Context, id string) (*Suggestion, error) {
	sug, err := scanSuggestion(s.db.QueryRowContext(ctx, selectSuggestions+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
	}
	return sug, err
}

func (s *SQLStore) Suggestions(ctx context.Context, name string) ([]*Suggestion, error) {
	query := selectSuggestions
	var args []any
	if name != "" {
		query += ` WHERE base_schema_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var out []*Suggestion
	for rows.Next() {
		sug, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sug)
	}
	return out, rows.Err()
}

func (s *SQLStore) Discard(ctx context.Context, id string, at time.Time) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM suggestions WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE suggestions SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
			string(StatusDiscarded), storage.FormatTime(at), id, string(StatusPending))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("suggestion %s (%s): %w", id, status, ErrSuggestionResolved)
		}
		return nil
	})
}

func scanSuggestion(row rowScanner) (*Suggestion, error) {
	var (
		sug                           Suggestion
		fields, evidence, samples     string
		status, createdAt, resolvedAt string
	)
	err := row.Scan(&sug.ID, &sug.BaseSchemaName, &sug.BaseVersion, &fields, &evidence, &samples,
		&sug.BatchSize, &status, &createdAt, &resolvedAt, &sug.AppliedVersion)
	if err != nil {
		return nil, err
	}
	sug.Status = SuggestionStatus(status)
	if err := json.Unmarshal([]byte(fields), &sug.ProposedFields); err != nil {
		return nil, fmt.Errorf("decode proposed fields: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &sug.SupportingEvidence); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	if samples != "" && samples != "null" {
		if err := json.Unmarshal([]byte(samples), &sug.Samples); err != nil {
			return nil, fmt.Errorf("decode samples: %w", err)
		}
	}
	if sug.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sug.ResolvedAt, err = storage.ParseTime(resolvedAt); err != nil {
		return nil, err
	}
	return &sug, nil
}
