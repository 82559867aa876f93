package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
)

// snapshot is immutable once published.
type snapshot struct {
	schemas     map[string]*history
	suggestions map[string]*Suggestion
}

type history struct {
	versions []*descriptor.Descriptor // index i holds version i+1
	active   int
}

// MemoryStore keeps the registry in process. Reads load an immutable
// snapshot without locking; writers serialize on a mutex and publish a new
// snapshot.
type MemoryStore struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.snap.Store(&snapshot{
		schemas:     map[string]*history{},
		suggestions: map[string]*Suggestion{},
	})
	return s
}

func (s *MemoryStore) load() *snapshot { return s.snap.Load() }

// update copies the current snapshot, applies fn and publishes the result
// unless fn fails.
func (s *MemoryStore) update(fn func(next *snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.load()
	next := &snapshot{
		schemas:     make(map[string]*history, len(cur.schemas)+1),
		suggestions: make(map[string]*Suggestion, len(cur.suggestions)+1),
	}
	for k, v := range cur.schemas {
		next.schemas[k] = v
	}
	for k, v := range cur.suggestions {
		next.suggestions[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	s.snap.Store(next)
	return nil
}

func (s *MemoryStore) Names(ctx context.Context) ([]string, error) {
	snap := s.load()
	names := make([]string, 0, len(snap.schemas))
	for name := range snap.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Active(ctx context.Context, name string) (*descriptor.Descriptor, error) {
	h, ok := s.load().schemas[name]
	if !ok {
		return nil, fmt.Errorf("schema %q: %w", name, ErrNotFound)
	}
	return h.versions[h.active-1].Clone(), nil
}

func (s *MemoryStore) Version(ctx context.Context, name string, version int) (*descriptor.Descriptor, error) {
	h, ok := s.load().schemas[name]
	if !ok {
		return nil, fmt.Errorf("schema %q: %w", name, ErrNotFound)
	}
	if version < 1 || version > len(h.versions) {
		return nil, fmt.Errorf("schema %s@v%d: %w", name, version, ErrNotFound)
	}
	return h.versions[version-1].Clone(), nil
}

func (s *MemoryStore) Versions(ctx context.Context, name string) ([]*descriptor.Descriptor, error) {
	h, ok := s.load().schemas[name]
	if !ok {
		return nil, fmt.Errorf("schema %q: %w", name, ErrNotFound)
	}
	out := make([]*descriptor.Descriptor, len(h.versions))
	for i, d := range h.versions {
		out[i] = d.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, d *descriptor.Descriptor) error {
	return s.update(func(next *snapshot) error {
		if _, ok := next.schemas[d.Name]; ok {
			return fmt.Errorf("schema %q: %w", d.Name, ErrExists)
		}
		next.schemas[d.Name] = &history{versions: []*descriptor.Descriptor{d.Clone()}, active: 1}
		return nil
	})
}

func (s *MemoryStore) Promote(ctx context.Context, p Promotion) error {
	return s.update(func(next *snapshot) error {
		name := p.Descriptor.Name
		h, ok := next.schemas[name]
		if !ok {
			return fmt.Errorf("schema %q: %w", name, ErrNotFound)
		}
		if h.active != p.ExpectedActive || p.Descriptor.Version != len(h.versions)+1 {
			return fmt.Errorf("%s: expected active v%d, found v%d: %w", name, p.ExpectedActive, h.active, ErrVersionConflict)
		}

		var sug *Suggestion
		if p.SuggestionID != "" {
			cur, ok := next.suggestions[p.SuggestionID]
			if !ok {
				return fmt.Errorf("suggestion %s: %w", p.SuggestionID, ErrNotFound)
			}
			if cur.Status != StatusPending {
				return fmt.Errorf("suggestion %s: %w", p.SuggestionID, ErrSuggestionResolved)
			}
			sug = cur.clone()
			sug.Status = StatusApplied
			sug.ResolvedAt = p.At
			sug.AppliedVersion = p.Descriptor.Version
		}

		versions := make([]*descriptor.Descriptor, len(h.versions), len(h.versions)+1)
		copy(versions, h.versions)
		versions = append(versions, p.Descriptor.Clone())
		next.schemas[name] = &history{versions: versions, active: p.Descriptor.Version}
		if sug != nil {
			next.suggestions[sug.ID] = sug
		}
		return nil
	})
}

func (s *MemoryStore) SaveSuggestion(ctx context.Context, sug *Suggestion) error {
	return s.update(func(next *snapshot) error {
		next.suggestions[sug.ID] = sug.clone()
		return nil
	})
}

func (s *MemoryStore) Suggestion(ctx context.Context, id string) (*Suggestion, error) {
	sug, ok := s.load().suggestions[id]
	if !ok {
		return nil, fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
	}
	return sug.clone(), nil
}

func (s *MemoryStore) Suggestions(ctx context.Context, name string) ([]*Suggestion, error) {
	var out []*Suggestion
	for _, sug := range s.load().suggestions {
		if name == "" || sug.BaseSchemaName == name {
			out = append(out, sug.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Discard(ctx context.Context, id string, at time.Time) error {
	return s.update(func(next *snapshot) error {
		cur, ok := next.suggestions[id]
		if !ok {
			return fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
		}
		if cur.Status != StatusPending {
			return fmt.Errorf("suggestion %s (%s): %w", id, cur.Status, ErrSuggestionResolved)
		}
		sug := cur.clone()
		sug.Status = StatusDiscarded
		sug.ResolvedAt = at
		next.suggestions[id] = sug
		return nil
	})
}
