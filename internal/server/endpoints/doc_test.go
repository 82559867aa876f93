package endpoints

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Handlers are documented with plain godoc; no generator reads annotations.
func TestHandlerDocsHaveNoAnnotations(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	fset := token.NewFileSet()
	for _, name := range files {
		if strings.HasSuffix(name, "_test.go") {
			continue
		}
		src, err := os.ReadFile(name)
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", name, err)
		}
		f, err := parser.ParseFile(fset, name, src, parser.ParseComments)
		if err != nil {
			t.Fatalf("ParseFile(%s) error = %v", name, err)
		}
		for _, group := range f.Comments {
			for _, line := range strings.Split(group.Text(), "\n") {
				if strings.HasPrefix(strings.TrimSpace(line), "@") {
					t.Errorf("%s: annotation in comment: %q", fset.Position(group.Pos()), line)
				}
			}
		}
	}
}
