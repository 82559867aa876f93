package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/assessment"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/enforcer"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

const invoiceText = "Invoice total: $500, due 2025-01-01"

type memoryDestination struct {
	mu      sync.Mutex
	records []*types.Record
	runs    []*types.RunMetadata
	failOn  string
}

func (d *memoryDestination) WriteRecord(ctx context.Context, rec *types.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failOn != "" && rec.SourceDocumentID == d.failOn {
		return errors.New("disk full")
	}
	d.records = append(d.records, rec)
	return nil
}

func (d *memoryDestination) WriteMetadata(ctx context.Context, run *types.RunMetadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs = append(d.runs, run)
	return nil
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	_, err := reg.Register(context.Background(), &descriptor.Descriptor{
		Name: "invoice",
		Fields: []descriptor.FieldSpec{
			{Name: "amount", Type: descriptor.TypeNumber, Required: true},
			{Name: "due_date", Type: descriptor.TypeString},
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return reg
}

// invoiceHandler answers extraction calls with a valid invoice and
// assessment calls with a clean report.
func invoiceHandler(ctx context.Context, req *providers.Request, n int64) (string, error) {
	if req.Contract != nil && req.Contract.Name == "record_assessment" {
		return `{"ambiguous_fields": [], "notes": [], "candidate_new_fields": []}`, nil
	}
	return `{"amount": 500, "due_date": "2025-01-01"}`, nil
}

func newOrchestrator(t *testing.T, reg *registry.Registry, m *providers.MockClient) *Orchestrator {
	t.Helper()
	enf := enforcer.New(m, enforcer.Config{})
	engine, err := assessment.New(enf, nil)
	if err != nil {
		t.Fatalf("assessment.New() error = %v", err)
	}
	return New(reg, enf, WithAssessor(engine))
}

func TestRunBatch_InvoiceScenario(t *testing.T) {
	reg := newRegistry(t)
	m := providers.NewMockClient()
	m.Handler = invoiceHandler
	o := newOrchestrator(t, reg, m)
	dest := &memoryDestination{}

	res, err := o.RunBatch(context.Background(),
		[]types.Document{{ID: "inv-1", Text: invoiceText}},
		dest,
		BatchConfig{SchemaName: "invoice", PinnedVersion: 1, Assess: true})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if len(res.Records) != 1 || len(res.Failures) != 0 {
		t.Fatalf("records = %d failures = %+v", len(res.Records), res.Failures)
	}

	rec := res.Records[0]
	if rec.SchemaName != "invoice" || rec.SchemaVersion != 1 || rec.SourceDocumentID != "inv-1" {
		t.Errorf("record provenance = %+v", rec)
	}
	if rec.Mode != string(providers.ModeToolCalling) {
		t.Errorf("Mode = %s", rec.Mode)
	}
	if string(rec.Payload) != `{"amount":500,"due_date":"2025-01-01"}` {
		t.Errorf("Payload = %s", rec.Payload)
	}
	if rec.Assessment == nil || rec.Assessment.Status != types.ReviewNotNeeded {
		t.Errorf("Assessment = %+v", rec.Assessment)
	}
	if rec.ID == "" || rec.ExtractedAt.IsZero() {
		t.Errorf("record missing id or timestamp: %+v", rec)
	}

	if len(dest.records) != 1 || len(dest.runs) != 1 {
		t.Fatalf("destination got %d records, %d runs", len(dest.records), len(dest.runs))
	}
	run := dest.runs[0]
	if run.Processed != 1 || run.Succeeded != 1 || run.Failed != 0 || run.SchemaVersion != 1 {
		t.Errorf("run = %+v", run)
	}
	if run.ReviewSummary[types.ReviewNotNeeded] != 1 {
		t.Errorf("ReviewSummary = %v", run.ReviewSummary)
	}
	if run.Tokens.Total() == 0 || run.Tokens != rec.Tokens {
		t.Errorf("run tokens = %+v, record tokens = %+v", run.Tokens, rec.Tokens)
	}
	f := run.Files[0]
	if !f.Success || f.RecordID != rec.ID || f.AssessTokens.Total() == 0 || f.Type != types.MetaTypeExtraction {
		t.Errorf("file metadata = %+v", f)
	}

	// The stored version still validates the payload.
	v1, _ := reg.Get(context.Background(), "invoice", rec.SchemaVersion)
	if _, err := v1.ValidatePayload(rec.Payload); err != nil {
		t.Errorf("payload does not validate against its version: %v", err)
	}
}

func TestRunBatch_PartialFailure(t *testing.T) {
	reg := newRegistry(t)
	m := providers.NewMockClient()
	m.Handler = func(ctx context.Context, req *providers.Request, n int64) (string, error) {
		if strings.Contains(req.Prompt, "BROKEN") {
			return `{"amount": "five hundred"}`, nil
		}
		return `{"amount": 12}`, nil
	}
	o := New(reg, enforcer.New(m, enforcer.Config{}))
	dest := &memoryDestination{}

	docs := []types.Document{
		{ID: "a", Text: "total 12"},
		{ID: "b", Text: "BROKEN"},
		{ID: "c", Text: "   "},
		{ID: "d", Err: errors.New("permission denied")},
		{ID: "e", Text: "total 12"},
	}
	res, err := o.RunBatch(context.Background(), docs, dest, BatchConfig{SchemaName: "invoice", MaxWorkers: 2})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if len(res.Records) != 2 || len(res.Failures) != 3 {
		t.Fatalf("records = %d failures = %d", len(res.Records), len(res.Failures))
	}

	kinds := map[string]string{}
	for _, f := range res.Failures {
		kinds[f.SourceDocumentID] = f.Kind
	}
	want := map[string]string{
		"b": string(enforcer.KindValidationExhausted),
		"c": string(enforcer.KindValidationExhausted),
		"d": KindSource,
	}
	for id, kind := range want {
		if kinds[id] != kind {
			t.Errorf("failure kind for %s = %q, want %q", id, kinds[id], kind)
		}
	}
	for _, f := range res.Failures {
		if f.SourceDocumentID == "b" && f.LastRaw == "" {
			t.Error("validation failure should carry the last raw response")
		}
	}

	run := dest.runs[0]
	if run.Processed != 5 || run.Succeeded != 2 || run.Failed != 3 {
		t.Errorf("run counts = %d/%d/%d", run.Processed, run.Succeeded, run.Failed)
	}
	for i, f := range run.Files {
		if f.SourceDocumentID != docs[i].ID {
			t.Errorf("Files[%d] = %s, want input order", i, f.SourceDocumentID)
		}
	}
	if run.ReviewSummary != nil {
		t.Errorf("ReviewSummary without assessment = %v", run.ReviewSummary)
	}
}

func TestRunBatch_VersionStampedAtDocumentStart(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)

	var once sync.Once
	m := providers.NewMockClient()
	m.Handler = func(ctx context.Context, req *providers.Request, n int64) (string, error) {
		if strings.Contains(req.Prompt, "first") {
			// promote while the first document's run is in flight
			once.Do(func() {
				s, err := reg.Propose(ctx, "invoice", []*types.Assessment{
					{CandidateNewFields: []types.CandidateField{{Name: "currency", Evidence: "$"}}},
					{CandidateNewFields: []types.CandidateField{{Name: "currency", Evidence: "USD"}}},
				})
				if err != nil {
					t.Errorf("Propose() error = %v", err)
					return
				}
				if _, err := reg.Apply(ctx, s.ID); err != nil {
					t.Errorf("Apply() error = %v", err)
				}
			})
		}
		return `{"amount": 1}`, nil
	}
	o := New(reg, enforcer.New(m, enforcer.Config{}))
	dest := &memoryDestination{}

	res, err := o.RunBatch(ctx,
		[]types.Document{{ID: "first", Text: "first"}, {ID: "second", Text: "second"}},
		dest,
		BatchConfig{SchemaName: "invoice", MaxWorkers: 1})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	versions := map[string]int{}
	for _, r := range res.Records {
		versions[r.SourceDocumentID] = r.SchemaVersion
	}
	if versions["first"] != 1 || versions["second"] != 2 {
		t.Errorf("versions = %v, want first=1 second=2", versions)
	}
	if dest.runs[0].SchemaVersion != 1 {
		t.Errorf("run SchemaVersion = %d, want 1", dest.runs[0].SchemaVersion)
	}
}

func TestRunBatch_Timeout(t *testing.T) {
	reg := newRegistry(t)
	m := providers.NewMockClient()
	m.Latency = 2 * time.Second
	o := New(reg, enforcer.New(m, enforcer.Config{}))
	dest := &memoryDestination{}

	docs := []types.Document{{ID: "a", Text: "x"}, {ID: "b", Text: "y"}, {ID: "c", Text: "z"}}
	start := time.Now()
	res, err := o.RunBatch(context.Background(), docs, dest,
		BatchConfig{SchemaName: "invoice", MaxWorkers: 2, Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("batch took %v despite timeout", elapsed)
	}
	if len(res.Failures) != 3 {
		t.Fatalf("failures = %d, want 3", len(res.Failures))
	}
	for _, f := range res.Failures {
		if f.Kind != string(enforcer.KindTimeout) {
			t.Errorf("failure %s kind = %s, want timeout", f.SourceDocumentID, f.Kind)
		}
	}
	if len(dest.runs) != 1 {
		t.Error("run metadata should still be written after a timeout")
	}
}

func TestRunBatch_LargeDocuments(t *testing.T) {
	reg := newRegistry(t)
	m := providers.NewMockClient()
	m.ResponseText = `{"amount": 3}`
	o := New(reg, enforcer.New(m, enforcer.Config{}))

	long := strings.Repeat("a", 50)

	t.Run("truncate", func(t *testing.T) {
		res, err := o.RunBatch(context.Background(), []types.Document{{ID: "big", Text: long}}, &memoryDestination{},
			BatchConfig{SchemaName: "invoice", LargeDoc: LargeDocPolicy{Strategy: StrategyTruncate, MaxChars: 10}})
		if err != nil {
			t.Fatalf("RunBatch() error = %v", err)
		}
		rec := res.Records[0]
		if !rec.Truncated || rec.OriginalChars != 50 {
			t.Errorf("Truncated = %v OriginalChars = %d", rec.Truncated, rec.OriginalChars)
		}
		last := m.Requests()[m.RequestCount()-1]
		if !strings.Contains(last.Prompt, strings.Repeat("a", 10)+TruncationMarker) ||
			strings.Contains(last.Prompt, strings.Repeat("a", 11)) {
			t.Error("prompt was not truncated to the limit")
		}
	})

	t.Run("fail", func(t *testing.T) {
		before := m.RequestCount()
		res, err := o.RunBatch(context.Background(), []types.Document{{ID: "big", Text: long}}, &memoryDestination{},
			BatchConfig{SchemaName: "invoice", LargeDoc: LargeDocPolicy{Strategy: StrategyFail, MaxChars: 10}})
		if err != nil {
			t.Fatalf("RunBatch() error = %v", err)
		}
		if len(res.Failures) != 1 || res.Failures[0].Kind != KindTooLarge {
			t.Fatalf("failures = %+v", res.Failures)
		}
		if m.RequestCount() != before {
			t.Error("oversized document reached the provider")
		}
	})
}

func TestRunBatch_DestinationFailure(t *testing.T) {
	reg := newRegistry(t)
	m := providers.NewMockClient()
	m.ResponseText = `{"amount": 3}`
	o := New(reg, enforcer.New(m, enforcer.Config{}))
	dest := &memoryDestination{failOn: "b"}

	res, err := o.RunBatch(context.Background(),
		[]types.Document{{ID: "a", Text: "x"}, {ID: "b", Text: "y"}}, dest,
		BatchConfig{SchemaName: "invoice"})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if len(res.Records) != 1 || len(res.Failures) != 1 || res.Failures[0].Kind != KindDestination {
		t.Errorf("records = %d failures = %+v", len(res.Records), res.Failures)
	}
}

func TestRunBatch_UnknownSchema(t *testing.T) {
	o := New(newRegistry(t), enforcer.New(providers.NewMockClient(), enforcer.Config{}))
	_, err := o.RunBatch(context.Background(), nil, &memoryDestination{}, BatchConfig{SchemaName: "receipt"})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("RunBatch() error = %v, want ErrNotFound", err)
	}
	_, err = o.RunBatch(context.Background(), nil, &memoryDestination{}, BatchConfig{SchemaName: "invoice", PinnedVersion: 9})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("RunBatch(pinned v9) error = %v, want ErrNotFound", err)
	}
}

func TestLargeDocPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    LargeDocPolicy
		text      string
		want      string
		truncated bool
		wantErr   bool
	}{
		{"under limit", LargeDocPolicy{MaxChars: 5}, "abc", "abc", false, false},
		{"exactly at limit", LargeDocPolicy{MaxChars: 3}, "abc", "abc", false, false},
		{"default truncates", LargeDocPolicy{MaxChars: 2}, "abc", "ab" + TruncationMarker, true, false},
		{"full keeps text", LargeDocPolicy{Strategy: StrategyFull, MaxChars: 2}, "abc", "abc", false, false},
		{"fail rejects", LargeDocPolicy{Strategy: StrategyFail, MaxChars: 2}, "abc", "", false, true},
		{"counts characters", LargeDocPolicy{MaxChars: 2}, "äöü", "äö" + TruncationMarker, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated, err := tt.policy.Apply(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDocumentTooLarge) {
				t.Errorf("error %v does not match ErrDocumentTooLarge", err)
			}
			if got != tt.want || truncated != tt.truncated {
				t.Errorf("Apply() = %q, %v; want %q, %v", got, truncated, tt.want, tt.truncated)
			}
		})
	}
}

func TestLargeDocPolicy_Plan(t *testing.T) {
	tests := []struct {
		name      string
		policy    LargeDocPolicy
		chars     int
		sent      int
		truncated bool
		rejected  bool
	}{
		{"under limit", LargeDocPolicy{MaxChars: 10}, 7, 7, false, false},
		{"truncate", LargeDocPolicy{MaxChars: 10}, 25, 10, true, false},
		{"full", LargeDocPolicy{Strategy: StrategyFull, MaxChars: 10}, 25, 25, false, false},
		{"fail", LargeDocPolicy{Strategy: StrategyFail, MaxChars: 10}, 25, 0, false, true},
		{"default limit", LargeDocPolicy{}, DefaultMaxChars + 1, DefaultMaxChars, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sent, truncated, rejected := tt.policy.Plan(tt.chars)
			if sent != tt.sent || truncated != tt.truncated || rejected != tt.rejected {
				t.Errorf("Plan(%d) = %d, %v, %v; want %d, %v, %v", tt.chars, sent, truncated, rejected, tt.sent, tt.truncated, tt.rejected)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"", "full", "truncate", "fail"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q) error = %v", s, err)
		}
	}
	if _, err := ParseStrategy("chunk"); err == nil {
		t.Error("ParseStrategy(chunk) should fail")
	}
	if got, _ := ParseStrategy(""); got != StrategyTruncate {
		t.Errorf("ParseStrategy(\"\") = %s", got)
	}
}

func TestIsLarge(t *testing.T) {
	tests := []struct {
		chars, pages int
		want         bool
	}{
		{100, 1, false},
		{LargeDocChars + 1, 0, true},
		{10, LargeDocPages + 1, true},
		{LargeDocChars, LargeDocPages, false},
	}
	for _, tt := range tests {
		if got := IsLarge(tt.chars, tt.pages); got != tt.want {
			t.Errorf("IsLarge(%d, %d) = %v", tt.chars, tt.pages, got)
		}
	}
}

func ExampleLargeDocPolicy_Apply() {
	text, truncated, _ := LargeDocPolicy{Strategy: StrategyTruncate, MaxChars: 5}.Apply("hello world")
	fmt.Println(truncated, strings.HasPrefix(text, "hello\n\n[..."))
	// Output: true true
}
