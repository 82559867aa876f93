package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/metrics"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// Registry owns schema descriptors and their version counter.
type Registry struct {
	store   Store
	policy  Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithPolicy sets the aggregation threshold used by Propose.
func WithPolicy(p Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithMetrics counts promotions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		policy: DefaultPolicy,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the aggregation policy in use.
func (r *Registry) Policy() Policy { return r.policy }

// Names lists registered schema names.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	return r.store.Names(ctx)
}

// GetActive returns the active version of name.
func (r *Registry) GetActive(ctx context.Context, name string) (*descriptor.Descriptor, error) {
	return r.store.Active(ctx, name)
}

// Get returns a specific version of name.
func (r *Registry) Get(ctx context.Context, name string, version int) (*descriptor.Descriptor, error) {
	return r.store.Version(ctx, name, version)
}

// History returns every version of name, oldest first.
func (r *Registry) History(ctx context.Context, name string) ([]*descriptor.Descriptor, error) {
	return r.store.Versions(ctx, name)
}

// Register creates version 1 of a new schema. Any version or parent set on
// d is ignored.
func (r *Registry) Register(ctx context.Context, d *descriptor.Descriptor) (*descriptor.Descriptor, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil descriptor", descriptor.ErrInvalid)
	}
	v1 := d.Clone()
	v1.Version = 1
	v1.ParentVersion = 0
	v1.CreatedAt = r.now().UTC()
	if err := v1.Validate(); err != nil {
		return nil, err
	}
	if _, err := v1.Compile(); err != nil {
		return nil, err
	}
	if err := r.store.Create(ctx, v1); err != nil {
		return nil, fmt.Errorf("register %s: %w", v1.Name, err)
	}
	r.metrics.ObserveSchemaVersion(v1.Name, "register")
	r.logger.Info("schema registered", "schema", v1.Name, "version", v1.Version, "fields", len(v1.Fields))
	return v1.Clone(), nil
}

// Propose aggregates candidate fields across a batch of assessments into a
// pending suggestion against the active version of name.
func (r *Registry) Propose(ctx context.Context, name string, assessments []*types.Assessment) (*Suggestion, error) {
	return r.ProposeWithPolicy(ctx, name, assessments, r.policy)
}

// ProposeWithPolicy is Propose with a one-off aggregation threshold.
func (r *Registry) ProposeWithPolicy(ctx context.Context, name string, assessments []*types.Assessment, policy Policy) (*Suggestion, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	base, err := r.store.Active(ctx, name)
	if err != nil {
		return nil, err
	}
	s := aggregate(base, assessments, policy, r.now().UTC())
	if len(s.ProposedFields) == 0 {
		return nil, fmt.Errorf("propose %s from %d assessments (threshold %d): %w",
			name, len(assessments), policy.Threshold(len(assessments)), ErrNoCandidates)
	}
	if err := r.store.SaveSuggestion(ctx, s); err != nil {
		return nil, fmt.Errorf("save suggestion: %w", err)
	}
	r.logger.Info("suggestion proposed",
		"schema", name,
		"base_version", base.Version,
		"suggestion", s.ID,
		"fields", len(s.ProposedFields),
		"batch", s.BatchSize)
	return s.clone(), nil
}

// Apply promotes a pending suggestion: version N+1 carries the union of the
// base fields and the proposed fields and becomes active. It fails with
// ErrVersionConflict when the active version is no longer the base.
func (r *Registry) Apply(ctx context.Context, id string) (*descriptor.Descriptor, error) {
	s, err := r.store.Suggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusPending {
		return nil, fmt.Errorf("apply %s (%s): %w", id, s.Status, ErrSuggestionResolved)
	}
	base, err := r.store.Version(ctx, s.BaseSchemaName, s.BaseVersion)
	if err != nil {
		return nil, err
	}

	next := &descriptor.Descriptor{
		Name:          base.Name,
		Version:       base.Version + 1,
		Description:   base.Description,
		Fields:        descriptor.Union(base.Fields, s.ProposedFields),
		CreatedAt:     r.now().UTC(),
		ParentVersion: base.Version,
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	err = r.store.Promote(ctx, Promotion{
		Descriptor:     next,
		ExpectedActive: base.Version,
		SuggestionID:   id,
		At:             next.CreatedAt,
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			r.logger.Warn("apply lost version race",
				"schema", base.Name,
				"base_version", base.Version,
				"suggestion", id)
		}
		return nil, fmt.Errorf("apply %s to %s: %w", id, base.Ref(), err)
	}

	r.metrics.ObserveSchemaVersion(next.Name, "apply")
	r.logger.Info("schema promoted",
		"schema", next.Name,
		"version", next.Version,
		"parent_version", next.ParentVersion,
		"suggestion", id)
	return next.Clone(), nil
}

// Discard marks a pending suggestion discarded. The base version is
// untouched.
func (r *Registry) Discard(ctx context.Context, id string) error {
	if err := r.store.Discard(ctx, id, r.now().UTC()); err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	r.logger.Info("suggestion discarded", "suggestion", id)
	return nil
}

// Suggestion returns one suggestion.
func (r *Registry) Suggestion(ctx context.Context, id string) (*Suggestion, error) {
	return r.store.Suggestion(ctx, id)
}

// Suggestions lists suggestions for name, oldest first. An empty name
// lists all.
func (r *Registry) Suggestions(ctx context.Context, name string) ([]*Suggestion, error) {
	return r.store.Suggestions(ctx, name)
}

// Rollback makes an earlier version's fields active again. It appends a new
// version copying the target so the counter stays monotonic and nothing is
// deleted.
func (r *Registry) Rollback(ctx context.Context, name string, version int) (*descriptor.Descriptor, error) {
	active, err := r.store.Active(ctx, name)
	if err != nil {
		return nil, err
	}
	if version < 1 || version >= active.Version {
		return nil, fmt.Errorf("rollback %s to v%d (active v%d): %w", name, version, active.Version, ErrInvalidVersion)
	}
	target, err := r.store.Version(ctx, name, version)
	if err != nil {
		return nil, err
	}

	next := target.Clone()
	next.Version = active.Version + 1
	next.ParentVersion = target.Version
	next.CreatedAt = r.now().UTC()

	if err := r.store.Promote(ctx, Promotion{
		Descriptor:     next,
		ExpectedActive: active.Version,
		At:             next.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("rollback %s to v%d: %w", name, version, err)
	}

	r.metrics.ObserveSchemaVersion(name, "rollback")
	r.logger.Info("schema rolled back",
		"schema", name,
		"version", next.Version,
		"restored_from", target.Version)
	return next.Clone(), nil
}
