package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/app"
	"github.com/DataFenix-Ltd/doc2json/internal/config"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/home"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
	"github.com/DataFenix-Ltd/doc2json/internal/server/endpoints"
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
    assess: true
`

const invoiceJSON = `{"name": "invoice", "fields": [
	{"name": "amount", "type": "number", "required": true},
	{"name": "due_date", "type": "string"}]}`

func mockHandler(ctx context.Context, req *providers.Request, n int64) (string, error) {
	if req.Contract != nil && req.Contract.Name == "record_assessment" {
		return `{"ambiguous_fields": [], "notes": [], "candidate_new_fields": [
			{"name": "currency", "evidence": "USD", "suggested_type": "string"}]}`, nil
	}
	return `{"amount": 500, "due_date": "2025-01-01"}`, nil
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "doc2json.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}
	h, err := home.New(filepath.Join(dir, "home"))
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}

	m := providers.NewMockClient()
	m.Handler = mockHandler
	reg := providers.NewRegistry()
	reg.Register("mock", m)

	a, err := app.Open(context.Background(), app.Options{Config: mgr, Home: h, Providers: reg})
	if err != nil {
		t.Fatalf("app.Open() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func newTestServer(t *testing.T, port string) *Server {
	t.Helper()
	srv, err := New(Config{Host: "127.0.0.1", Port: port, App: newTestApp(t)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode < 400 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v (%s)", url, err, data)
		}
	}
	return resp.StatusCode
}

func TestNew_RequiresApp(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without app")
	}
}

func TestServer_Endpoints(t *testing.T) {
	srv := newTestServer(t, "0")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	t.Run("health", func(t *testing.T) {
		var resp endpoints.HealthResponse
		if code := do(t, "GET", ts.URL+"/health", "", &resp); code != http.StatusOK || resp.Status != "ok" {
			t.Errorf("GET /health = %d %+v", code, resp)
		}
		if code := do(t, "GET", ts.URL+"/ready", "", &resp); code != http.StatusOK || resp.Database != "ok" {
			t.Errorf("GET /ready = %d %+v", code, resp)
		}
	})

	t.Run("register and read schemas", func(t *testing.T) {
		var d descriptor.Descriptor
		if code := do(t, "POST", ts.URL+"/api/schemas", invoiceJSON, &d); code != http.StatusCreated || d.Version != 1 {
			t.Fatalf("POST /api/schemas = %d %+v", code, d)
		}
		if code := do(t, "POST", ts.URL+"/api/schemas", invoiceJSON, nil); code != http.StatusConflict {
			t.Errorf("duplicate register = %d, want 409", code)
		}
		if code := do(t, "POST", ts.URL+"/api/schemas", `{"name": "bad", "fields": [{"name": "x", "type": "date"}]}`, nil); code != http.StatusBadRequest {
			t.Errorf("invalid register = %d, want 400", code)
		}

		var list endpoints.ListSchemasResponse
		do(t, "GET", ts.URL+"/api/schemas", "", &list)
		if len(list.Schemas) != 1 || list.Schemas[0].Name != "invoice" || list.Schemas[0].ActiveVersion != 1 {
			t.Errorf("schemas = %+v", list.Schemas)
		}
		if code := do(t, "GET", ts.URL+"/api/schemas/missing", "", nil); code != http.StatusNotFound {
			t.Errorf("GET missing schema = %d, want 404", code)
		}
		if code := do(t, "GET", ts.URL+"/api/schemas/invoice?version=x", "", nil); code != http.StatusBadRequest {
			t.Errorf("GET bad version = %d, want 400", code)
		}

		var a descriptor.Analysis
		do(t, "GET", ts.URL+"/api/schemas/invoice/analysis", "", &a)
		if a.TotalFields != 2 || a.RequiredFields != 1 {
			t.Errorf("analysis = %+v", a)
		}
	})

	t.Run("extract propose apply rollback", func(t *testing.T) {
		body := `{"schema": "invoice", "documents": [
			{"id": "a", "text": "Invoice total $500 USD"},
			{"id": "b", "text": "Invoice total $500 USD"}]}`
		var ex endpoints.ExtractResponse
		if code := do(t, "POST", ts.URL+"/api/extract", body, &ex); code != http.StatusOK {
			t.Fatalf("POST /api/extract = %d", code)
		}
		if len(ex.Records) != 2 || len(ex.Failures) != 0 || len(ex.Files) != 2 {
			t.Fatalf("extract = %d records, %d failures, %d files", len(ex.Records), len(ex.Failures), len(ex.Files))
		}
		if ex.Run.Succeeded != 2 || ex.Records[0].SchemaVersion != 1 {
			t.Errorf("run = %+v", ex.Run)
		}

		policyCases := map[string]int{
			"min_count=3":     http.StatusUnprocessableEntity,
			"min_percent=abc": http.StatusBadRequest,
			"min_percent=150": http.StatusBadRequest,
			"min_count=-1":    http.StatusBadRequest,
		}
		for query, want := range policyCases {
			if code := do(t, "POST", ts.URL+"/api/schemas/invoice/suggestions?"+query, "", nil); code != want {
				t.Errorf("propose?%s = %d, want %d", query, code, want)
			}
		}

		var sug registry.Suggestion
		if code := do(t, "POST", ts.URL+"/api/schemas/invoice/suggestions", "", &sug); code != http.StatusCreated {
			t.Fatalf("propose = %d", code)
		}
		if len(sug.ProposedFields) != 1 || sug.ProposedFields[0].Name != "currency" {
			t.Errorf("ProposedFields = %+v", sug.ProposedFields)
		}

		var pending endpoints.SuggestionsResponse
		do(t, "GET", ts.URL+"/api/suggestions?schema=invoice&status=pending", "", &pending)
		if len(pending.Suggestions) != 1 {
			t.Errorf("pending suggestions = %d, want 1", len(pending.Suggestions))
		}

		var v2 descriptor.Descriptor
		if code := do(t, "POST", ts.URL+"/api/suggestions/"+sug.ID+"/apply", "", &v2); code != http.StatusOK || v2.Version != 2 {
			t.Fatalf("apply = %d %+v", code, v2)
		}
		if code := do(t, "POST", ts.URL+"/api/suggestions/"+sug.ID+"/apply", "", nil); code != http.StatusConflict {
			t.Errorf("second apply = %d, want 409", code)
		}
		if code := do(t, "POST", ts.URL+"/api/schemas/invoice/suggestions", "", nil); code != http.StatusUnprocessableEntity {
			t.Errorf("propose without candidates = %d, want 422", code)
		}

		var v3 descriptor.Descriptor
		if code := do(t, "POST", ts.URL+"/api/schemas/invoice/rollback", `{"version": 1}`, &v3); code != http.StatusOK {
			t.Fatalf("rollback = %d", code)
		}
		if v3.Version != 3 || len(v3.Fields) != 2 {
			t.Errorf("rollback result = %+v", v3)
		}
		if code := do(t, "POST", ts.URL+"/api/schemas/invoice/rollback", `{"version": 3}`, nil); code != http.StatusBadRequest {
			t.Errorf("rollback to active = %d, want 400", code)
		}

		var hist endpoints.SchemaHistoryResponse
		do(t, "GET", ts.URL+"/api/schemas/invoice/history", "", &hist)
		if len(hist.Versions) != 3 {
			t.Errorf("history has %d versions, want 3", len(hist.Versions))
		}
	})

	t.Run("extract validation", func(t *testing.T) {
		tests := map[string]struct {
			body string
			want int
		}{
			"no schema":      {`{"documents": [{"id": "a", "text": "x"}]}`, http.StatusBadRequest},
			"no documents":   {`{"schema": "invoice"}`, http.StatusBadRequest},
			"missing id":     {`{"schema": "invoice", "documents": [{"text": "x"}]}`, http.StatusBadRequest},
			"unknown schema": {`{"schema": "receipt", "documents": [{"id": "a", "text": "x"}]}`, http.StatusNotFound},
			"malformed":      {`{`, http.StatusBadRequest},
		}
		for name, tt := range tests {
			t.Run(name, func(t *testing.T) {
				if code := do(t, "POST", ts.URL+"/api/extract", tt.body, nil); code != tt.want {
					t.Errorf("POST /api/extract = %d, want %d", code, tt.want)
				}
			})
		}
	})

	t.Run("llm calls and metrics", func(t *testing.T) {
		if err := srv.app.FlushCalls(context.Background()); err != nil {
			t.Fatalf("FlushCalls() error = %v", err)
		}
		var calls endpoints.LLMCallsResponse
		if code := do(t, "GET", ts.URL+"/api/llmcalls?schema=invoice", "", &calls); code != http.StatusOK {
			t.Fatalf("GET /api/llmcalls = %d", code)
		}
		if calls.Total != 2 {
			t.Errorf("invoice extraction calls = %d, want 2", calls.Total)
		}
		if code := do(t, "GET", ts.URL+"/api/llmcalls?success=maybe", "", nil); code != http.StatusBadRequest {
			t.Errorf("bad success filter = %d, want 400", code)
		}
		if code := do(t, "GET", ts.URL+"/api/llmcalls/nope", "", nil); code != http.StatusNotFound {
			t.Errorf("missing call = %d, want 404", code)
		}

		var summary endpoints.MetricsSummaryResponse
		do(t, "GET", ts.URL+"/api/metrics/summary", "", &summary)
		if summary.Count != 4 || summary.SuccessCount != 4 {
			t.Errorf("summary = %+v", summary)
		}

		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics error = %v", err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !bytes.Contains(data, []byte("doc2json_")) {
			t.Error("/metrics does not expose doc2json collectors")
		}
	})

	t.Run("status", func(t *testing.T) {
		var st endpoints.StatusResponse
		do(t, "GET", ts.URL+"/status", "", &st)
		if st.Database != "healthy" || len(st.Providers) != 1 || len(st.Schemas) != 1 {
			t.Errorf("status = %+v", st)
		}
	})
}

func TestServer_Lifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	port := freePort(t)
	srv := newTestServer(t, port)

	serverErr := make(chan error, 1)
	serverCtx, serverCancel := context.WithCancel(ctx)
	go func() {
		serverErr <- srv.Start(serverCtx)
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%s", port)
	if err := waitForServer(ctx, baseURL, 10*time.Second); err != nil {
		serverCancel()
		t.Fatalf("server did not start: %v", err)
	}
	if !srv.IsRunning() {
		t.Error("IsRunning() = false while serving")
	}

	// Try to start again - should fail
	if err := srv.Start(ctx); err == nil {
		t.Error("second Start() should return error")
	}

	serverCancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Start() returned %v after cancellation", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not respond to context cancellation")
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after shutdown")
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer l.Close()
	_, port, _ := net.SplitHostPort(l.Addr().String())
	return port
}

// waitForServer polls the server until it responds or timeout.
func waitForServer(ctx context.Context, baseURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/health", nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %s", timeout)
}
