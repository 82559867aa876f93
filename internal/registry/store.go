// Package registry is the persistent, versioned store of schema descriptors
// and the propose, review and apply lifecycle that evolves them.
//
// Versions are append-only. Promotion and rollback both create a new
// version and flip the active pointer with a compare-and-swap on the
// previously active version, so concurrent writers targeting the same base
// cannot both succeed.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
)

var (
	// ErrNotFound is returned for unknown schemas, versions and suggestions.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when registering a schema name that is taken.
	ErrExists = errors.New("schema already registered")
	// ErrVersionConflict is returned when the active version moved since the
	// caller read it. Callers re-fetch and retry; nothing is merged.
	ErrVersionConflict = errors.New("schema version conflict")
	// ErrSuggestionResolved is returned when applying or discarding a
	// suggestion that is no longer pending.
	ErrSuggestionResolved = errors.New("suggestion already resolved")
	// ErrNoCandidates is returned by Propose when no candidate clears the
	// threshold.
	ErrNoCandidates = errors.New("no candidate fields met the threshold")
	// ErrInvalidVersion is returned by Rollback for a target that is not an
	// earlier version.
	ErrInvalidVersion = errors.New("invalid rollback target")
)

// Promotion is one atomic version flip: insert Descriptor (whose Version is
// ExpectedActive+1) and make it active, provided the active version is
// still ExpectedActive. When SuggestionID is set the suggestion is marked
// applied in the same unit.
type Promotion struct {
	Descriptor     *descriptor.Descriptor
	ExpectedActive int
	SuggestionID   string
	At             time.Time
}

// Store is the persistence contract behind the Registry. Implementations
// return deep copies; callers may not observe later writes through a
// returned value.
type Store interface {
	Names(ctx context.Context) ([]string, error)
	Active(ctx context.Context, name string) (*descriptor.Descriptor, error)
	Version(ctx context.Context, name string, version int) (*descriptor.Descriptor, error)
	Versions(ctx context.Context, name string) ([]*descriptor.Descriptor, error)

	// Create stores version 1 of a new schema and makes it active.
	Create(ctx context.Context, d *descriptor.Descriptor) error
	// Promote performs p atomically or returns ErrVersionConflict.
	Promote(ctx context.Context, p Promotion) error

	SaveSuggestion(ctx context.Context, s *Suggestion) error
	Suggestion(ctx context.Context, id string) (*Suggestion, error)
	Suggestions(ctx context.Context, name string) ([]*Suggestion, error)
	// Discard marks a pending suggestion discarded.
	Discard(ctx context.Context, id string, at time.Time) error
}
