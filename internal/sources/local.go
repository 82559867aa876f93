// Package sources reads documents to extract from. A source only turns
// files into plain text with a MIME hint; it never calls a model.
package sources

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/xuri/excelize/v2"

	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// ErrUnsupported is reported on documents with an extension no reader handles.
var ErrUnsupported = errors.New("unsupported document type")

// ErrEmpty is returned by First when Root holds no documents.
var ErrEmpty = errors.New("source has no documents")

// ErrNoTextLayer is reported on PDFs with neither a sidecar .txt nor pdftotext.
var ErrNoTextLayer = errors.New("no text available for PDF")

// ignored files are never listed.
var ignored = map[string]bool{
	".gitkeep":   true,
	".gitignore": true,
	".DS_Store":  true,
	"Thumbs.db":  true,
}

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".tsv":  true,
	".json": true,
	".html": true,
	".htm":  true,
	".xml":  true,
	".eml":  true,
}

// Local lists documents under a directory.
type Local struct {
	Root      string
	Recursive bool
	// PDFToText names the pdftotext binary; empty means look it up on PATH.
	PDFToText string
	Logger    *slog.Logger
}

// NewLocal creates a recursive source rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{Root: dir, Recursive: true}
}

func (l *Local) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Documents reads every supported file under Root, sorted by path.
// Files that fail to read are returned with Err set so the batch can
// report them without stopping.
func (l *Local) Documents(ctx context.Context) ([]types.Document, error) {
	paths, err := l.list()
	if err != nil {
		return nil, err
	}

	docs := make([]types.Document, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docs = append(docs, l.read(ctx, p))
	}
	l.logger().Info("documents loaded", "source", l.Root, "count", len(docs))
	return docs, nil
}

// First reads documents in path order and returns the first one that
// reads cleanly. When none does, the first read error is returned.
func (l *Local) First(ctx context.Context) (types.Document, error) {
	paths, err := l.list()
	if err != nil {
		return types.Document{}, err
	}
	if len(paths) == 0 {
		return types.Document{}, fmt.Errorf("%s: %w", l.Root, ErrEmpty)
	}
	var firstErr error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return types.Document{}, err
		}
		doc := l.read(ctx, p)
		if doc.Err == nil {
			return doc, nil
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", doc.ID, doc.Err)
		}
	}
	return types.Document{}, firstErr
}

// Validate checks that Root is an existing directory.
func (l *Local) Validate() error {
	info, err := os.Stat(l.Root)
	if err != nil {
		return fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", l.Root)
	}
	return nil
}

// list walks Root and drops ignored files and PDF sidecars.
func (l *Local) list() ([]string, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	var paths []string
	err := filepath.WalkDir(l.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == l.Root {
				return nil
			}
			if !l.Recursive || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if ignored[d.Name()] || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", l.Root, err)
	}

	pdfs := make(map[string]bool)
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ".pdf") {
			pdfs[strings.TrimSuffix(p, filepath.Ext(p))] = true
		}
	}
	kept := paths[:0]
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ".txt") && pdfs[strings.TrimSuffix(p, filepath.Ext(p))] {
			continue
		}
		kept = append(kept, p)
	}
	sort.Strings(kept)
	return kept, nil
}

func (l *Local) read(ctx context.Context, path string) types.Document {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	doc := types.Document{
		ID:       filepath.ToSlash(rel),
		Name:     filepath.Base(path),
		MimeHint: mimeHint(ext),
	}

	switch {
	case textExtensions[ext]:
		data, err := os.ReadFile(path)
		if err != nil {
			doc.Err = err
			return doc
		}
		doc.Text = string(data)
	case ext == ".pdf":
		doc.Text, doc.Pages, doc.Err = l.readPDF(ctx, path)
	case ext == ".xlsx" || ext == ".xlsm":
		doc.Text, doc.Err = readWorkbook(path)
	default:
		doc.Err = fmt.Errorf("%w: %s", ErrUnsupported, doc.Name)
	}
	if doc.Err != nil {
		l.logger().Warn("failed to read document", "document", doc.ID, "error", doc.Err)
	}
	return doc
}

func mimeHint(ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	switch ext {
	case ".md":
		return "text/markdown"
	case ".pdf":
		return "application/pdf"
	case ".xlsx", ".xlsm":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/plain"
}

// readPDF returns the text layer and page count. Text comes from a sidecar
// <name>.txt next to the PDF when present, otherwise from pdftotext.
func (l *Local) readPDF(ctx context.Context, path string) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	pages, err := api.PageCount(f, nil)
	f.Close()
	if err != nil {
		return "", 0, fmt.Errorf("failed to get page count: %w", err)
	}

	sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
	if data, err := os.ReadFile(sidecar); err == nil {
		return string(data), pages, nil
	}

	bin := l.PDFToText
	if bin == "" {
		bin, err = exec.LookPath("pdftotext")
		if err != nil {
			return "", pages, ErrNoTextLayer
		}
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-layout", "-enc", "UTF-8", path, "-")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", pages, fmt.Errorf("pdftotext failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), pages, nil
}

// readWorkbook flattens every sheet into tab separated rows.
func readWorkbook(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}
