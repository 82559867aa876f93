package destinations

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// ErrLocked is returned when another process is writing the same file.
var ErrLocked = errors.New("output file is locked by another process")

// JSONL writes one record per line to <path> and run metadata to
// <path without .jsonl>.meta.jsonl. The first metadata line is the run
// summary; per-file lines follow in input order.
type JSONL struct {
	path     string
	metaPath string

	mu   sync.Mutex
	lock *flock.Flock
	file *os.File
	meta *os.File
	w    *bufio.Writer
	mw   *bufio.Writer
}

// NewJSONL creates the output files, taking an exclusive lock on path.
func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open output: %w", err)
	}
	metaPath := MetaPath(path)
	meta, err := os.OpenFile(metaPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		file.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to open metadata output: %w", err)
	}

	return &JSONL{
		path:     path,
		metaPath: metaPath,
		lock:     lock,
		file:     file,
		meta:     meta,
		w:        bufio.NewWriter(file),
		mw:       bufio.NewWriter(meta),
	}, nil
}

// MetaPath returns the metadata file for a JSONL output path.
func MetaPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".meta.jsonl"
}

func (j *JSONL) Location() string { return j.path }

// WriteRecord appends rec and flushes so a crash loses at most one line.
func (j *JSONL) WriteRecord(ctx context.Context, rec *types.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("jsonl destination is closed")
	}
	if err := writeLine(j.w, rec); err != nil {
		return err
	}
	return j.w.Flush()
}

// WriteMetadata appends the run summary followed by its per-file lines.
func (j *JSONL) WriteMetadata(ctx context.Context, run *types.RunMetadata) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.meta == nil {
		return errors.New("jsonl destination is closed")
	}
	if err := writeLine(j.mw, run); err != nil {
		return err
	}
	for i := range run.Files {
		if err := writeLine(j.mw, &run.Files[i]); err != nil {
			return err
		}
	}
	return j.mw.Flush()
}

func writeLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode line: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	return nil
}

// Close flushes, closes both files and releases the lock.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	var errs []error
	errs = append(errs, j.w.Flush(), j.mw.Flush())
	errs = append(errs, j.file.Close(), j.meta.Close())
	j.file, j.meta = nil, nil
	errs = append(errs, j.lock.Unlock())
	os.Remove(j.lock.Path())
	return errors.Join(errs...)
}

// ReadRecords loads the records of a JSONL output file. Blank lines are
// skipped.
func ReadRecords(path string) ([]*types.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*types.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		rec := new(types.Record)
		if err := json.Unmarshal([]byte(text), rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
