// Package destinations persists extraction records and run metadata.
package destinations

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/orchestrator"
	"github.com/DataFenix-Ltd/doc2json/internal/storage"
)

// Destination kinds.
const (
	KindJSONL = "jsonl"
	KindXLSX  = "xlsx"
	KindSQL   = "sql"
)

// Destination is an orchestrator destination that owns open resources.
type Destination interface {
	orchestrator.Destination
	// Location describes where output goes, for logging.
	Location() string
	Close() error
}

// Config selects and configures a destination.
type Config struct {
	Type string `mapstructure:"type" yaml:"type" json:"type"`
	// Path is the output file for jsonl and xlsx. A directory gets
	// <schema>.<ext> inside it.
	Path string `mapstructure:"path" yaml:"path" json:"path"`
	// Timestamp appends _YYYYMMDD_HHMMSS to file names. Defaults to true.
	Timestamp *bool `mapstructure:"timestamp" yaml:"timestamp,omitempty" json:"timestamp,omitempty"`
	// DSN for the sql destination; empty means the registry database.
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// Open creates the destination for cfg. db is used by the sql destination
// when cfg.DSN is empty and may be nil otherwise.
func Open(ctx context.Context, cfg Config, schemaName string, db *storage.DB, now time.Time) (Destination, error) {
	kind := strings.ToLower(cfg.Type)
	if kind == "" {
		kind = kindFromPath(cfg.Path)
	}
	switch kind {
	case KindJSONL:
		return NewJSONL(outputPath(cfg, schemaName, ".jsonl", now))
	case KindXLSX:
		return NewXLSX(outputPath(cfg, schemaName, ".xlsx", now))
	case KindSQL:
		if cfg.DSN == "" {
			if db == nil {
				return nil, fmt.Errorf("sql destination: no dsn and no registry database")
			}
			return NewSQL(db, false), nil
		}
		owned, err := storage.Open(ctx, cfg.DSN, storage.OpenOptions{})
		if err != nil {
			return nil, fmt.Errorf("sql destination: %w", err)
		}
		return NewSQL(owned, true), nil
	}
	return nil, fmt.Errorf("unknown destination type %q (want jsonl, xlsx or sql)", cfg.Type)
}

func kindFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return KindXLSX
	default:
		return KindJSONL
	}
}

// outputPath resolves the final file name for file based destinations.
func outputPath(cfg Config, schemaName, ext string, now time.Time) string {
	path := cfg.Path
	if path == "" || strings.HasSuffix(path, string(filepath.Separator)) || filepath.Ext(path) == "" {
		path = filepath.Join(path, schemaName+ext)
	}
	if cfg.Timestamp == nil || *cfg.Timestamp {
		base := strings.TrimSuffix(path, filepath.Ext(path))
		path = base + "_" + now.Format("20060102_150405") + filepath.Ext(path)
	}
	return path
}
