package sources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLocal_Documents(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "invoice.txt"), "Invoice total: $500")
	writeFile(t, filepath.Join(dir, "notes.md"), "# Notes")
	writeFile(t, filepath.Join(dir, "nested", "receipt.txt"), "Receipt")
	writeFile(t, filepath.Join(dir, ".gitkeep"), "")
	writeFile(t, filepath.Join(dir, ".DS_Store"), "junk")
	writeFile(t, filepath.Join(dir, ".hidden", "secret.txt"), "skip me")
	writeFile(t, filepath.Join(dir, "image.bin"), "\x00\x01")

	docs, err := NewLocal(dir).Documents(context.Background())
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}

	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	want := []string{"image.bin", "invoice.txt", "nested/receipt.txt", "notes.md"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("ids = %v, want %v", ids, want)
	}

	if docs[1].Text != "Invoice total: $500" || !strings.HasPrefix(docs[1].MimeHint, "text/plain") {
		t.Errorf("invoice doc = %+v", docs[1])
	}
	if !errors.Is(docs[0].Err, ErrUnsupported) {
		t.Errorf("image.bin Err = %v, want ErrUnsupported", docs[0].Err)
	}
	for _, d := range docs[1:] {
		if d.Err != nil {
			t.Errorf("%s Err = %v", d.ID, d.Err)
		}
	}
}

func TestLocal_NonRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "b")

	l := &Local{Root: dir}
	docs, err := l.Documents(context.Background())
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "a.txt" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestLocal_MissingRoot(t *testing.T) {
	_, err := NewLocal(filepath.Join(t.TempDir(), "nope")).Documents(context.Background())
	if err == nil {
		t.Fatal("expected error for missing directory")
	}

	file := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, file, "x")
	if _, err := NewLocal(file).Documents(context.Background()); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}

func TestLocal_PDF(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "scan.pdf"), "not really a pdf")
	writeFile(t, filepath.Join(dir, "scan.txt"), "sidecar text")

	docs, err := NewLocal(dir).Documents(context.Background())
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	// the sidecar is folded into its PDF
	if len(docs) != 1 || docs[0].ID != "scan.pdf" {
		t.Fatalf("docs = %+v", docs)
	}
	if docs[0].Err == nil {
		t.Error("corrupt PDF should be reported on the document")
	}
	if docs[0].MimeHint != "application/pdf" {
		t.Errorf("MimeHint = %q", docs[0].MimeHint)
	}
}

func TestLocal_Workbook(t *testing.T) {
	dir := t.TempDir()
	f := excelize.NewFile()
	_ = f.SetCellValue("Sheet1", "A1", "item")
	_ = f.SetCellValue("Sheet1", "B1", "amount")
	_ = f.SetCellValue("Sheet1", "A2", "coffee")
	_ = f.SetCellValue("Sheet1", "B2", 4)
	if err := f.SaveAs(filepath.Join(dir, "expenses.xlsx")); err != nil {
		t.Fatalf("SaveAs() error = %v", err)
	}
	f.Close()

	docs, err := NewLocal(dir).Documents(context.Background())
	if err != nil {
		t.Fatalf("Documents() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Err != nil {
		t.Fatalf("docs = %+v", docs)
	}
	want := "## Sheet1\nitem\tamount\ncoffee\t4\n\n"
	if docs[0].Text != want {
		t.Errorf("Text = %q, want %q", docs[0].Text, want)
	}
}

func TestLocal_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLocal(dir).Documents(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Documents() error = %v, want context.Canceled", err)
	}
}

func TestLocal_First(t *testing.T) {
	ctx := context.Background()

	t.Run("skips unreadable documents", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.bin"), "\x00")
		writeFile(t, filepath.Join(dir, "b.txt"), "Invoice")
		writeFile(t, filepath.Join(dir, "c.txt"), "later")

		doc, err := NewLocal(dir).First(ctx)
		if err != nil {
			t.Fatalf("First() error = %v", err)
		}
		if doc.ID != "b.txt" || doc.Text != "Invoice" {
			t.Errorf("First() = %+v", doc)
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		if _, err := NewLocal(t.TempDir()).First(ctx); !errors.Is(err, ErrEmpty) {
			t.Errorf("First() error = %v, want ErrEmpty", err)
		}
	})

	t.Run("nothing readable", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.bin"), "\x00")
		_, err := NewLocal(dir).First(ctx)
		if !errors.Is(err, ErrUnsupported) || !strings.Contains(err.Error(), "a.bin") {
			t.Errorf("First() error = %v, want ErrUnsupported naming a.bin", err)
		}
	})

	t.Run("missing root", func(t *testing.T) {
		if _, err := NewLocal(filepath.Join(t.TempDir(), "nope")).First(ctx); err == nil {
			t.Error("expected error for missing directory")
		}
	})
}

func TestLocal_Validate(t *testing.T) {
	if err := NewLocal(t.TempDir()).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	file := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, file, "x")
	if err := NewLocal(file).Validate(); err == nil {
		t.Error("Validate() should reject a file root")
	}
}
