package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/metrics"
	"github.com/DataFenix-Ltd/doc2json/internal/storage"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

func invoice() *descriptor.Descriptor {
	return &descriptor.Descriptor{
		Name: "invoice",
		Fields: []descriptor.FieldSpec{
			{Name: "amount", Type: descriptor.TypeNumber, Required: true},
			{Name: "due_date", Type: descriptor.TypeString},
		},
	}
}

// batch builds n assessments where each named candidate appears in the
// first count[name] of them.
func batch(n int, counts map[string]int) []*types.Assessment {
	out := make([]*types.Assessment, n)
	for i := range out {
		a := &types.Assessment{Status: types.ReviewNotNeeded}
		for name, c := range counts {
			if i < c {
				a.CandidateNewFields = append(a.CandidateNewFields, types.CandidateField{
					Name:          name,
					Evidence:      fmt.Sprintf("%s sample %d", name, i),
					SuggestedType: "string",
				})
			}
		}
		out[i] = a
	}
	return out
}

// eachStore runs fn against the in-memory and SQLite stores.
func eachStore(t *testing.T, fn func(t *testing.T, r *Registry)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, New(NewMemoryStore()))
	})
	t.Run("sqlite", func(t *testing.T) {
		db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"), storage.OpenOptions{})
		if err != nil {
			t.Fatalf("storage.Open() error = %v", err)
		}
		t.Cleanup(func() { db.Close() })
		fn(t, New(NewSQLStore(db)))
	})
}

func TestPolicyThreshold(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 2}, {1, 2}, {5, 2}, {10, 2}, {11, 3}, {15, 3}, {50, 10},
	}
	for _, tt := range tests {
		if got := DefaultPolicy.Threshold(tt.n); got != tt.want {
			t.Errorf("Threshold(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
	if got := (Policy{}).Threshold(0); got != 1 {
		t.Errorf("zero policy Threshold(0) = %d, want 1", got)
	}
}

func TestRegister(t *testing.T) {
	eachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		in := invoice()
		in.Version = 7

		d, err := r.Register(ctx, in)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if d.Version != 1 || d.CreatedAt.IsZero() {
			t.Errorf("registered = v%d created %v", d.Version, d.CreatedAt)
		}

		if _, err := r.Register(ctx, invoice()); !errors.Is(err, ErrExists) {
			t.Errorf("second Register() error = %v, want ErrExists", err)
		}
		if _, err := r.Register(ctx, &descriptor.Descriptor{Name: "bad name"}); !errors.Is(err, descriptor.ErrInvalid) {
			t.Errorf("Register(invalid) error = %v", err)
		}

		active, err := r.GetActive(ctx, "invoice")
		if err != nil {
			t.Fatalf("GetActive() error = %v", err)
		}
		if active.Version != 1 || len(active.Fields) != 2 {
			t.Errorf("active = %+v", active)
		}

		if _, err := r.GetActive(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetActive(missing) error = %v", err)
		}
		if _, err := r.Get(ctx, "invoice", 2); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(v2) error = %v", err)
		}
		names, err := r.Names(ctx)
		if err != nil || len(names) != 1 || names[0] != "invoice" {
			t.Errorf("Names() = %v, %v", names, err)
		}
	})
}

func TestPropose(t *testing.T) {
	eachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		if _, err := r.Register(ctx, invoice()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		t.Run("1 of 10 excluded, 3 of 10 included", func(t *testing.T) {
			s, err := r.Propose(ctx, "invoice", batch(10, map[string]int{"tax_id": 3, "fax": 1}))
			if err != nil {
				t.Fatalf("Propose() error = %v", err)
			}
			if len(s.ProposedFields) != 1 || s.ProposedFields[0].Name != "tax_id" {
				t.Fatalf("ProposedFields = %+v", s.ProposedFields)
			}
			f := s.ProposedFields[0]
			if f.Required || f.Type != descriptor.TypeString {
				t.Errorf("proposed field = %+v, want optional string", f)
			}
			if s.SupportingEvidence["tax_id"] != 3 || s.BatchSize != 10 {
				t.Errorf("evidence = %v batch = %d", s.SupportingEvidence, s.BatchSize)
			}
			if len(s.Samples["tax_id"]) != 3 {
				t.Errorf("samples = %v", s.Samples)
			}
			if s.Status != StatusPending || s.BaseVersion != 1 {
				t.Errorf("status = %s base = %d", s.Status, s.BaseVersion)
			}

			got, err := r.Suggestion(ctx, s.ID)
			if err != nil {
				t.Fatalf("Suggestion() error = %v", err)
			}
			if got.SupportingEvidence["tax_id"] != 3 || len(got.ProposedFields) != 1 {
				t.Errorf("stored suggestion = %+v", got)
			}
		})

		t.Run("nothing over threshold", func(t *testing.T) {
			_, err := r.Propose(ctx, "invoice", batch(10, map[string]int{"fax": 1}))
			if !errors.Is(err, ErrNoCandidates) {
				t.Errorf("Propose() error = %v, want ErrNoCandidates", err)
			}
		})

		t.Run("existing fields and repeats within a record ignored", func(t *testing.T) {
			as := batch(4, map[string]int{"amount": 4})
			as[0].CandidateNewFields = append(as[0].CandidateNewFields,
				types.CandidateField{Name: "currency"}, types.CandidateField{Name: "currency"})
			_, err := r.Propose(ctx, "invoice", as)
			if !errors.Is(err, ErrNoCandidates) {
				t.Errorf("Propose() error = %v, want ErrNoCandidates", err)
			}
		})

		t.Run("unknown schema", func(t *testing.T) {
			if _, err := r.Propose(ctx, "nope", batch(3, nil)); !errors.Is(err, ErrNotFound) {
				t.Errorf("Propose() error = %v", err)
			}
		})
	})
}

func TestProposeWithPolicy(t *testing.T) {
	ctx := context.Background()
	r := New(NewMemoryStore())
	if _, err := r.Register(ctx, invoice()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	// fax is below the default threshold of 2 records
	as := batch(10, map[string]int{"fax": 1})
	if _, err := r.Propose(ctx, "invoice", as); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Propose() error = %v, want ErrNoCandidates", err)
	}

	s, err := r.ProposeWithPolicy(ctx, "invoice", as, Policy{MinRecords: 1})
	if err != nil {
		t.Fatalf("ProposeWithPolicy() error = %v", err)
	}
	if len(s.ProposedFields) != 1 || s.ProposedFields[0].Name != "fax" {
		t.Errorf("ProposedFields = %+v", s.ProposedFields)
	}
	if r.Policy() != DefaultPolicy {
		t.Errorf("registry policy changed to %+v", r.Policy())
	}

	t.Run("stricter fraction", func(t *testing.T) {
		_, err := r.ProposeWithPolicy(ctx, "invoice", batch(10, map[string]int{"tax_id": 3}), Policy{MinFraction: 0.5})
		if !errors.Is(err, ErrNoCandidates) {
			t.Errorf("ProposeWithPolicy() error = %v, want ErrNoCandidates", err)
		}
	})

	t.Run("invalid policy", func(t *testing.T) {
		for _, p := range []Policy{{MinRecords: -1}, {MinFraction: 1.5}, {MinFraction: -0.1}} {
			if _, err := r.ProposeWithPolicy(ctx, "invoice", as, p); err == nil {
				t.Errorf("ProposeWithPolicy(%+v) should fail", p)
			}
		}
	})
}

func TestApplyAndHistory(t *testing.T) {
	eachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		if _, err := r.Register(ctx, invoice()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		s, err := r.Propose(ctx, "invoice", batch(5, map[string]int{"tax_id": 2}))
		if err != nil {
			t.Fatalf("Propose() error = %v", err)
		}

		v2, err := r.Apply(ctx, s.ID)
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if v2.Version != 2 || v2.ParentVersion != 1 || len(v2.Fields) != 3 || v2.Fields[2].Name != "tax_id" {
			t.Errorf("v2 = %+v", v2)
		}

		if _, err := r.Apply(ctx, s.ID); !errors.Is(err, ErrSuggestionResolved) {
			t.Errorf("re-Apply() error = %v", err)
		}
		if err := r.Discard(ctx, s.ID); !errors.Is(err, ErrSuggestionResolved) {
			t.Errorf("Discard(applied) error = %v", err)
		}

		applied, err := r.Suggestion(ctx, s.ID)
		if err != nil {
			t.Fatalf("Suggestion() error = %v", err)
		}
		if applied.Status != StatusApplied || applied.AppliedVersion != 2 || applied.ResolvedAt.IsZero() {
			t.Errorf("applied suggestion = %+v", applied)
		}

		// v1 is untouched and still validates records it produced.
		v1, err := r.Get(ctx, "invoice", 1)
		if err != nil {
			t.Fatalf("Get(v1) error = %v", err)
		}
		if len(v1.Fields) != 2 {
			t.Errorf("v1 mutated: %+v", v1.Fields)
		}
		if _, err := v1.ValidatePayload([]byte(`{"amount": 10}`)); err != nil {
			t.Errorf("v1 payload no longer validates: %v", err)
		}

		hist, err := r.History(ctx, "invoice")
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		for i, d := range hist {
			if d.Version != i+1 {
				t.Errorf("History()[%d].Version = %d", i, d.Version)
			}
		}
	})
}

func TestDiscard(t *testing.T) {
	eachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		if _, err := r.Register(ctx, invoice()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		s, err := r.Propose(ctx, "invoice", batch(2, map[string]int{"iban": 2}))
		if err != nil {
			t.Fatalf("Propose() error = %v", err)
		}
		if err := r.Discard(ctx, s.ID); err != nil {
			t.Fatalf("Discard() error = %v", err)
		}
		if _, err := r.Apply(ctx, s.ID); !errors.Is(err, ErrSuggestionResolved) {
			t.Errorf("Apply(discarded) error = %v", err)
		}
		if err := r.Discard(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Discard(missing) error = %v", err)
		}

		active, _ := r.GetActive(ctx, "invoice")
		if active.Version != 1 {
			t.Errorf("active = v%d after discard", active.Version)
		}
		list, err := r.Suggestions(ctx, "invoice")
		if err != nil || len(list) != 1 || list[0].Status != StatusDiscarded {
			t.Errorf("Suggestions() = %+v, %v", list, err)
		}
	})
}

func TestRollback(t *testing.T) {
	eachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		if _, err := r.Register(ctx, invoice()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		s, err := r.Propose(ctx, "invoice", batch(2, map[string]int{"iban": 2}))
		if err != nil {
			t.Fatalf("Propose() error = %v", err)
		}
		if _, err := r.Apply(ctx, s.ID); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}

		v3, err := r.Rollback(ctx, "invoice", 1)
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if v3.Version != 3 || v3.ParentVersion != 1 || len(v3.Fields) != 2 {
			t.Errorf("rollback version = %+v", v3)
		}
		active, _ := r.GetActive(ctx, "invoice")
		if active.Version != 3 {
			t.Errorf("active = v%d, want v3", active.Version)
		}
		hist, _ := r.History(ctx, "invoice")
		if len(hist) != 3 {
			t.Errorf("History() has %d versions, want 3", len(hist))
		}

		for _, v := range []int{0, 3, 9} {
			if _, err := r.Rollback(ctx, "invoice", v); !errors.Is(err, ErrInvalidVersion) {
				t.Errorf("Rollback(v%d) error = %v", v, err)
			}
		}

		// Proposals against the restored version apply on top of it.
		if _, err := r.Apply(ctx, mustPropose(t, r, 2)); err != nil {
			t.Fatalf("Apply() on current base error = %v", err)
		}
	})
}

func mustPropose(t *testing.T, r *Registry, count int) string {
	t.Helper()
	s, err := r.Propose(context.Background(), "invoice", batch(count, map[string]int{"reference": count}))
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	return s.ID
}

func TestStaleSuggestionConflicts(t *testing.T) {
	eachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		if _, err := r.Register(ctx, invoice()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		a := mustPropose(t, r, 2)
		b := mustPropose(t, r, 3)
		if _, err := r.Apply(ctx, a); err != nil {
			t.Fatalf("Apply(a) error = %v", err)
		}
		if _, err := r.Apply(ctx, b); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("Apply(b) error = %v, want ErrVersionConflict", err)
		}
		sb, _ := r.Suggestion(ctx, b)
		if sb.Status != StatusPending {
			t.Errorf("conflicting suggestion status = %s, want pending", sb.Status)
		}
	})
}

func TestConcurrentApply(t *testing.T) {
	eachStore(t, func(t *testing.T, r *Registry) {
		ctx := context.Background()
		if _, err := r.Register(ctx, invoice()); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		for _, name := range []string{"tax_id", "iban"} {
			s, err := r.Propose(ctx, "invoice", batch(2, map[string]int{name: 2}))
			if err != nil {
				t.Fatalf("Propose() error = %v", err)
			}
			if _, err := r.Apply(ctx, s.ID); err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
		}
		base, _ := r.GetActive(ctx, "invoice")
		if base.Version != 3 {
			t.Fatalf("base = v%d, want v3", base.Version)
		}

		sa, err := r.Propose(ctx, "invoice", batch(2, map[string]int{"currency": 2}))
		if err != nil {
			t.Fatalf("Propose(a) error = %v", err)
		}
		sb, err := r.Propose(ctx, "invoice", batch(2, map[string]int{"po_number": 2}))
		if err != nil {
			t.Fatalf("Propose(b) error = %v", err)
		}

		var wg sync.WaitGroup
		results := make([]error, 2)
		versions := make([]int, 2)
		for i, id := range []string{sa.ID, sb.ID} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				d, err := r.Apply(ctx, id)
				results[i] = err
				if d != nil {
					versions[i] = d.Version
				}
			}(i, id)
		}
		wg.Wait()

		ok, conflicts := 0, 0
		for i, err := range results {
			switch {
			case err == nil:
				ok++
				if versions[i] != 4 {
					t.Errorf("winner promoted to v%d, want v4", versions[i])
				}
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("Apply() unexpected error = %v", err)
			}
		}
		if ok != 1 || conflicts != 1 {
			t.Fatalf("ok = %d conflicts = %d, want 1 and 1", ok, conflicts)
		}

		hist, _ := r.History(ctx, "invoice")
		if len(hist) != 4 {
			t.Errorf("History() has %d versions, want 4", len(hist))
		}
		active, _ := r.GetActive(ctx, "invoice")
		if active.Version != 4 {
			t.Errorf("active = v%d, want v4", active.Version)
		}
	})
}

func TestMemoryStoreSnapshotReads(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, WithClock(func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }))
	ctx := context.Background()
	if _, err := r.Register(ctx, invoice()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, _ := r.GetActive(ctx, "invoice")
	got.Fields[0].Name = "mutated"

	again, _ := r.GetActive(ctx, "invoice")
	if again.Fields[0].Name != "amount" {
		t.Error("caller mutation leaked into the store")
	}
	if !again.CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", again.CreatedAt)
	}
}

func TestRegistryMetrics(t *testing.T) {
	m := metrics.New()
	r := New(NewMemoryStore(), WithMetrics(m), WithPolicy(Policy{MinRecords: 1}))
	ctx := context.Background()
	if _, err := r.Register(ctx, invoice()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	s, err := r.Propose(ctx, "invoice", batch(5, map[string]int{"iban": 1}))
	if err != nil {
		t.Fatalf("Propose() with MinRecords 1 error = %v", err)
	}
	if _, err := r.Apply(ctx, s.ID); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if r.Policy().MinRecords != 1 {
		t.Errorf("Policy() = %+v", r.Policy())
	}
}
