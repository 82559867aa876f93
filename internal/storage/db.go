// Package storage is the shared SQL layer behind the schema registry, the
// SQL destination and LLM call recording. It speaks to SQLite (embedded,
// the default) and PostgreSQL (shared deployments) through database/sql.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Dialect identifies the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Querier is satisfied by *DB and *Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps *sql.DB and rewrites `?` placeholders for the active dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
	dsn     string
	logger  *slog.Logger
}

// OpenOptions configures Open.
type OpenOptions struct {
	// ConnectAttempts bounds the initial ping retries (default 5).
	ConnectAttempts uint
	ConnectDelay    time.Duration
	Logger          *slog.Logger
}

// Open connects to dsn and applies pending migrations.
//
// Accepted DSNs:
//   - postgres://... or postgresql://...  (pgx)
//   - sqlite://path, file:path, :memory: or a bare file path (modernc sqlite)
func Open(ctx context.Context, dsn string, opts OpenOptions) (*DB, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = 5
	}
	if opts.ConnectDelay == 0 {
		opts.ConnectDelay = 200 * time.Millisecond
	}

	dialect, driver, source, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite && source != ":memory:" {
		path := strings.TrimPrefix(strings.SplitN(source, "?", 2)[0], "file:")
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	sqlDB, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One writer; also keeps :memory: databases on a single connection.
		sqlDB.SetMaxOpenConns(1)
	}

	err = retry.Do(
		func() error { return sqlDB.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(opts.ConnectAttempts),
		retry.Delay(opts.ConnectDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			opts.Logger.Warn("database not ready, retrying", "dialect", dialect, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	db := &DB{db: sqlDB, dialect: dialect, dsn: redactDSN(dsn), logger: opts.Logger}
	if err := db.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	opts.Logger.Debug("database ready", "dialect", dialect, "dsn", db.dsn)
	return db, nil
}

func parseDSN(dsn string) (Dialect, string, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return "", "", "", fmt.Errorf("empty database DSN")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, "pgx", dsn, nil
	case dsn == ":memory:":
		return DialectSQLite, "sqlite", dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return DialectSQLite, "sqlite", sqliteSource(strings.TrimPrefix(dsn, "sqlite://")), nil
	default:
		return DialectSQLite, "sqlite", sqliteSource(dsn), nil
	}
}

func sqliteSource(path string) string {
	if strings.Contains(path, "_pragma") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		creds = creds[:i] + ":[REDACTED]"
	}
	return dsn[:scheme+3] + creds + dsn[at:]
}

// Dialect returns the backend in use.
func (d *DB) Dialect() Dialect { return d.dialect }

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Close closes the underlying pool.
func (d *DB) Close() error { return d.db.Close() }

// Rebind converts `?` placeholders to the dialect's form.
func (d *DB) Rebind(query string) string {
	return rebind(d.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
			b.WriteRune(r)
		case r == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.Rebind(query), args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.Rebind(query), args...)
}

// Tx is a transaction with placeholder rebinding.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.dialect, query), args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx, dialect: d.dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TimeLayout is RFC 3339 with a fixed nine-digit fraction, so stored
// timestamps sort as text in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders timestamps as sortable UTC text, portable across
// both dialects.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime. It also reads RFC 3339 text with
// a variable-length fraction. Empty input yields the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Bool converts a Go bool to the INTEGER column encoding.
func Bool(b bool) int {
	if b {
		return 1
	}
	return 0
}
