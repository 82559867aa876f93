package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DataFenix-Ltd/doc2json/internal/config"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/destinations"
	"github.com/DataFenix-Ltd/doc2json/internal/enforcer"
	"github.com/DataFenix-Ltd/doc2json/internal/home"
	"github.com/DataFenix-Ltd/doc2json/internal/llmcall"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
)

const testConfig = `
defaults:
  llm_provider: mock
llm_providers:
  openai:
    enabled: false
  mock:
    type: mock
    enabled: true
schemas:
  invoice:
    file: schemas/invoice.yaml
    assess: true
    destination:
      type: sql
`

const invoiceSchema = `
name: invoice
fields:
  - name: amount
    type: number
    required: true
  - name: due_date
    type: string
`

// currencyHandler extracts a valid invoice and reports a currency field on
// every document.
func currencyHandler(ctx context.Context, req *providers.Request, n int64) (string, error) {
	if req.Contract != nil && req.Contract.Name == "record_assessment" {
		return `{"ambiguous_fields": [], "notes": [], "candidate_new_fields": [
			{"name": "Currency", "evidence": "USD", "suggested_type": "string"}]}`, nil
	}
	return `{"amount": 500, "due_date": "2025-01-01"}`, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func newTestApp(t *testing.T, cfgText string, reg *providers.Registry) *App {
	t.Helper()
	dir := t.TempDir()
	h, err := home.New(filepath.Join(dir, "home"))
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	writeFile(t, h.SchemaPath("invoice"), invoiceSchema)

	cfgPath := filepath.Join(dir, "doc2json.yaml")
	writeFile(t, cfgPath, cfgText)
	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}

	a, err := Open(context.Background(), Options{Config: mgr, Home: h, Providers: reg})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func mockRegistry() *providers.Registry {
	m := providers.NewMockClient()
	m.Handler = currencyHandler
	reg := providers.NewRegistry()
	reg.Register("mock", m)
	return reg
}

func TestOpen_RequiresDependencies(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Error("expected error without config")
	}
}

func TestEnsureSchema(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig, mockRegistry())

	d, err := a.EnsureSchema(ctx, "invoice")
	if err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if d.Version != 1 || len(d.Fields) != 2 {
		t.Errorf("descriptor = %+v", d)
	}

	again, err := a.EnsureSchema(ctx, "invoice")
	if err != nil || again.Version != 1 {
		t.Errorf("second EnsureSchema() = %+v, %v", again, err)
	}

	if _, err := a.EnsureSchema(ctx, "receipt"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unconfigured schema error = %v", err)
	}
}

func TestEnsureSchema_NameMismatch(t *testing.T) {
	cfg := testConfig + "  other:\n    file: schemas/invoice.yaml\n"
	a := newTestApp(t, cfg, mockRegistry())
	if _, err := a.EnsureSchema(context.Background(), "other"); !errors.Is(err, descriptor.ErrInvalid) {
		t.Errorf("EnsureSchema() error = %v, want ErrInvalid", err)
	}
}

func TestRunAndPropose(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig, mockRegistry())

	docs := t.TempDir()
	writeFile(t, filepath.Join(docs, "a.txt"), "Invoice total: $500 USD, due 2025-01-01")
	writeFile(t, filepath.Join(docs, "b.txt"), "Invoice total: $500 USD, due 2025-01-01")

	res, err := a.Run(ctx, RunRequest{Schema: "invoice", Source: docs})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Run.Succeeded != 2 || res.Run.Failed != 0 {
		t.Fatalf("run = %+v failures = %+v", res.Run, res.Failures)
	}

	stored, err := a.StoredRecords(ctx, "invoice")
	if err != nil {
		t.Fatalf("StoredRecords() error = %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d records, want 2", len(stored))
	}

	sug, err := a.Propose(ctx, "invoice", stored)
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if len(sug.ProposedFields) != 1 || sug.ProposedFields[0].Name != "currency" {
		t.Fatalf("ProposedFields = %+v", sug.ProposedFields)
	}
	if sug.ProposedFields[0].Required {
		t.Error("proposed field must be optional")
	}

	v2, err := a.Schemas().Apply(ctx, sug.ID)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("Version = %d, want 2", v2.Version)
	}

	// Records stamped with v1 no longer count toward v2 proposals.
	if _, err := a.Propose(ctx, "invoice", stored); !errors.Is(err, registry.ErrNoCandidates) {
		t.Errorf("Propose() against v2 error = %v", err)
	}

	if err := a.FlushCalls(ctx); err != nil {
		t.Fatalf("FlushCalls() error = %v", err)
	}
	summary, err := a.MetricsQuery().GetSummary(ctx, llmcall.QueryFilter{})
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	// one extraction and one assessment per document
	if summary.Count != 4 {
		t.Errorf("recorded %d calls, want 4", summary.Count)
	}
}

func TestRunDocuments_JSONLDefaultsToOutputsDir(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig, mockRegistry())

	dest := &destinations.Config{Type: destinations.KindJSONL}
	res, err := a.RunDocuments(ctx, RunRequest{Schema: "invoice", Destination: dest}, nil)
	if err != nil {
		t.Fatalf("RunDocuments() error = %v", err)
	}
	if !strings.HasPrefix(res.Location, a.Home().OutputsDir()) {
		t.Errorf("Location = %s, want under %s", res.Location, a.Home().OutputsDir())
	}
}

func TestRun_MissingSource(t *testing.T) {
	a := newTestApp(t, testConfig, mockRegistry())
	if _, err := a.Run(context.Background(), RunRequest{Schema: "invoice"}); err == nil {
		t.Error("expected error without a source directory")
	}
}

func TestProviders_ChecksCredentials(t *testing.T) {
	cfg := `
defaults:
  llm_provider: openai
llm_providers:
  openai:
    api_key: ${DOC2JSON_APP_TEST_UNSET}
    enabled: true
`
	a := newTestApp(t, cfg, nil)
	_, err := a.Providers()
	if err == nil || !strings.Contains(err.Error(), "api_key is required") {
		t.Errorf("Providers() error = %v", err)
	}
	if _, err := a.Orchestrator("invoice"); err == nil {
		t.Error("Orchestrator() should fail without credentials")
	}
}

func TestEnforcerConfig(t *testing.T) {
	t.Run("configured budgets", func(t *testing.T) {
		got := newTestApp(t, testConfig, mockRegistry()).EnforcerConfig()
		if got.ValidationRetries != 2 || got.BackoffRetries != 3 {
			t.Errorf("EnforcerConfig() = %+v", got)
		}
	})

	t.Run("zero disables a budget", func(t *testing.T) {
		cfg := strings.Replace(testConfig, "  llm_provider: mock\n",
			"  llm_provider: mock\n  validation_retries: 0\n  backoff_retries: 0\n", 1)
		got := newTestApp(t, cfg, mockRegistry()).EnforcerConfig()
		if got.ValidationRetries != enforcer.NoValidationRetries || got.BackoffRetries != enforcer.NoBackoffRetries {
			t.Errorf("EnforcerConfig() = %+v", got)
		}
	})
}
