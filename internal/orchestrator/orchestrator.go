// Package orchestrator runs extraction batches: each document is resolved
// against the schema version active when its run begins, sized, extracted
// through the enforcer, optionally assessed, stamped and written out. One
// bad document never aborts a batch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DataFenix-Ltd/doc2json/internal/assessment"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/enforcer"
	"github.com/DataFenix-Ltd/doc2json/internal/metrics"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// DefaultMaxWorkers bounds concurrent documents when unset.
const DefaultMaxWorkers = 4

// Failure kinds that do not come from the enforcer.
const (
	KindSource      = "source"
	KindSchema      = "schema"
	KindTooLarge    = "document_too_large"
	KindDestination = "destination"
)

// Resolver supplies schema versions. *registry.Registry satisfies it.
type Resolver interface {
	GetActive(ctx context.Context, name string) (*descriptor.Descriptor, error)
	Get(ctx context.Context, name string, version int) (*descriptor.Descriptor, error)
}

// Destination receives records and run metadata. Calls are serialized by
// the orchestrator.
type Destination interface {
	WriteRecord(ctx context.Context, rec *types.Record) error
	WriteMetadata(ctx context.Context, run *types.RunMetadata) error
}

// BatchConfig configures one RunBatch call.
type BatchConfig struct {
	SchemaName string
	// PinnedVersion, when > 0, is used instead of the active version.
	PinnedVersion int
	MaxWorkers    int
	// Timeout bounds the whole batch; zero means no limit.
	Timeout  time.Duration
	Assess   bool
	LargeDoc LargeDocPolicy
}

// BatchResult collects the outcome of a batch. Records are in completion
// order; Run.Files follows input order.
type BatchResult struct {
	Run      *types.RunMetadata
	Records  []*types.Record
	Failures []*types.Failure
}

// Orchestrator wires the enforcer, assessment engine and resolver together.
type Orchestrator struct {
	resolver Resolver
	enforcer *enforcer.Enforcer
	assessor *assessment.Engine
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	validators sync.Map // descriptor.Ref() -> *descriptor.Validator
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithAssessor enables the assessment pass for schemas that ask for it.
func WithAssessor(a *assessment.Engine) Option {
	return func(o *Orchestrator) { o.assessor = a }
}

// WithMetrics reports extraction outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(resolver Resolver, enf *enforcer.Enforcer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		enforcer: enf,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunBatch extracts docs concurrently. Per-document failures are reported
// in the result; the returned error is reserved for problems that stop the
// whole batch (unknown schema, metadata write failure).
func (o *Orchestrator) RunBatch(ctx context.Context, docs []types.Document, dest Destination, cfg BatchConfig) (*BatchResult, error) {
	initial, err := o.resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	batchCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	// destination writes outlive the batch deadline
	writeCtx := context.WithoutCancel(ctx)

	run := &types.RunMetadata{
		Type:          types.MetaTypeRun,
		ID:            uuid.New().String(),
		SchemaName:    cfg.SchemaName,
		SchemaVersion: initial.Version,
		Provider:      o.enforcer.Adapter().Name(),
		Model:         o.model(),
		StartedAt:     o.now().UTC(),
		Files:         make([]types.FileMetadata, len(docs)),
	}
	result := &BatchResult{Run: run}

	o.logger.Info("batch started",
		"run", run.ID,
		"schema", initial.Ref(),
		"documents", len(docs),
		"workers", cfg.MaxWorkers,
		"assess", cfg.Assess)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxWorkers)
	for i, doc := range docs {
		g.Go(func() error {
			rec, meta, failure := o.Extract(batchCtx, doc, cfg)

			mu.Lock()
			defer mu.Unlock()
			if rec != nil {
				if err := dest.WriteRecord(writeCtx, rec); err != nil {
					o.logger.Error("failed to write record", "document", doc.ID, "error", err)
					failure = &types.Failure{
						SchemaName:       rec.SchemaName,
						SchemaVersion:    rec.SchemaVersion,
						SourceDocumentID: doc.ID,
						Kind:             KindDestination,
						Error:            err.Error(),
						FailedAt:         o.now().UTC(),
					}
					meta.Success = false
					meta.ErrorKind = KindDestination
					meta.Error = err.Error()
					rec = nil
				}
			}
			if rec != nil {
				result.Records = append(result.Records, rec)
			}
			if failure != nil {
				result.Failures = append(result.Failures, failure)
			}
			run.Files[i] = *meta
			return nil
		})
	}
	_ = g.Wait()

	run.CompletedAt = o.now().UTC()
	run.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	for _, f := range run.Files {
		run.Processed++
		if f.Success {
			run.Succeeded++
		} else {
			run.Failed++
		}
		run.Tokens = run.Tokens.Add(f.ExtractTokens).Add(f.AssessTokens)
	}
	if cfg.Assess {
		run.ReviewSummary = ReviewSummary(result.Records)
	}

	if err := dest.WriteMetadata(writeCtx, run); err != nil {
		return result, fmt.Errorf("write run metadata: %w", err)
	}

	o.logger.Info("batch completed",
		"run", run.ID,
		"schema", cfg.SchemaName,
		"succeeded", run.Succeeded,
		"failed", run.Failed,
		"input_tokens", run.Tokens.InputTokens,
		"output_tokens", run.Tokens.OutputTokens,
		"duration", run.CompletedAt.Sub(run.StartedAt))
	if run.ReviewSummary != nil {
		o.logger.Info("review summary", "schema", cfg.SchemaName, "counts", run.ReviewSummary)
	}
	return result, nil
}

// Extract processes one document. Exactly one of the record and the
// failure is non-nil; the file metadata is always returned.
func (o *Orchestrator) Extract(ctx context.Context, doc types.Document, cfg BatchConfig) (*types.Record, *types.FileMetadata, *types.Failure) {
	started := o.now().UTC()
	o.metrics.DocumentStarted()
	defer o.metrics.DocumentFinished()

	meta := &types.FileMetadata{
		Type:             types.MetaTypeExtraction,
		SourceDocumentID: doc.ID,
		StartedAt:        started,
		CharCount:        utf8.RuneCountInString(doc.Text),
		PageCount:        doc.Pages,
		Provider:         o.enforcer.Adapter().Name(),
		Model:            o.model(),
	}
	fail := func(version int, kind string, err error, lastRaw string) (*types.Record, *types.FileMetadata, *types.Failure) {
		now := o.now().UTC()
		meta.CompletedAt = now
		meta.DurationMs = now.Sub(started).Milliseconds()
		meta.SchemaVersion = version
		meta.ErrorKind = kind
		meta.Error = err.Error()
		o.metrics.ObserveExtraction(cfg.SchemaName, kind, now.Sub(started))
		o.logger.Warn("document failed",
			"document", doc.ID,
			"schema", cfg.SchemaName,
			"version", version,
			"kind", kind,
			"error", err)
		return nil, meta, &types.Failure{
			SchemaName:       cfg.SchemaName,
			SchemaVersion:    version,
			SourceDocumentID: doc.ID,
			Kind:             kind,
			Error:            err.Error(),
			LastRaw:          lastRaw,
			FailedAt:         now,
		}
	}

	if doc.Err != nil {
		return fail(0, KindSource, doc.Err, "")
	}
	if err := ctx.Err(); err != nil {
		return fail(0, string(enforcer.KindTimeout), err, "")
	}

	// The version is fixed here, before any provider call, so a promotion
	// mid-batch never relabels a run that already started.
	desc, err := o.resolve(ctx, cfg)
	if err != nil {
		return fail(0, KindSchema, err, "")
	}
	validator, err := o.validator(desc)
	if err != nil {
		return fail(desc.Version, KindSchema, err, "")
	}

	if IsLarge(meta.CharCount, doc.Pages) {
		o.logger.Warn("large document detected",
			"document", doc.ID,
			"chars", meta.CharCount,
			"pages", doc.Pages,
			"strategy", cfg.LargeDoc.WithDefaults().Strategy)
	}
	text, truncated, err := cfg.LargeDoc.Apply(doc.Text)
	if err != nil {
		return fail(desc.Version, KindTooLarge, err, "")
	}
	if truncated {
		o.logger.Warn("document truncated",
			"document", doc.ID,
			"from_chars", meta.CharCount,
			"to_chars", cfg.LargeDoc.WithDefaults().MaxChars)
	}
	meta.Truncated = truncated

	res, err := o.enforcer.Run(ctx, enforcer.Task{
		Descriptor: desc,
		Validator:  validator,
		Document:   text,
		DocumentID: doc.ID,
	})
	if res != nil {
		meta.ExtractTokens = res.Usage
		meta.Attempts = res.Attempts
		meta.TotalTokens = res.Usage.Total()
	}
	if err != nil {
		kind, lastRaw := "error", ""
		if ee, ok := enforcer.AsExtractionError(err); ok {
			kind, lastRaw = string(ee.Kind), ee.LastRaw
		}
		return fail(desc.Version, kind, err, lastRaw)
	}

	rec := &types.Record{
		ID:               uuid.New().String(),
		SchemaName:       desc.Name,
		SchemaVersion:    desc.Version,
		SourceDocumentID: doc.ID,
		Payload:          res.Payload,
		ExtractedAt:      o.now().UTC(),
		Mode:             string(res.Mode),
		Attempts:         res.Attempts,
		Provider:         res.Provider,
		Model:            res.Model,
		Tokens:           res.Usage,
		Truncated:        truncated,
	}
	if truncated {
		rec.OriginalChars = meta.CharCount
	}

	if cfg.Assess && o.assessor != nil {
		out, err := o.assessor.Assess(ctx, assessment.Input{
			Descriptor: desc,
			Document:   text,
			DocumentID: doc.ID,
			Payload:    res.Payload,
		})
		if err != nil {
			// the record stands on its own; a failed second pass leaves it unassessed
			o.logger.Warn("assessment failed", "document", doc.ID, "error", err)
			meta.Error = fmt.Sprintf("assessment: %v", err)
		} else {
			rec.Assessment = out.Assessment
			rec.Tokens = rec.Tokens.Add(out.Usage)
			meta.AssessTokens = out.Usage
			o.metrics.ObserveReview(desc.Name, string(out.Assessment.Status))
			o.logger.Info("review status", "document", doc.ID, "status", out.Assessment.Status)
		}
	}

	now := o.now().UTC()
	meta.RecordID = rec.ID
	meta.SchemaVersion = desc.Version
	meta.Success = true
	meta.Mode = rec.Mode
	meta.CompletedAt = now
	meta.DurationMs = now.Sub(started).Milliseconds()
	meta.TotalTokens = rec.Tokens.Total()
	if res.Model != "" {
		meta.Model = res.Model
	}
	o.metrics.ObserveExtraction(desc.Name, "ok", now.Sub(started))
	o.logger.Info("document extracted",
		"document", doc.ID,
		"schema", desc.Ref(),
		"mode", rec.Mode,
		"attempts", rec.Attempts)
	return rec, meta, nil
}

func (o *Orchestrator) resolve(ctx context.Context, cfg BatchConfig) (*descriptor.Descriptor, error) {
	if cfg.SchemaName == "" {
		return nil, errors.New("orchestrator: schema name is required")
	}
	if cfg.PinnedVersion > 0 {
		return o.resolver.Get(ctx, cfg.SchemaName, cfg.PinnedVersion)
	}
	return o.resolver.GetActive(ctx, cfg.SchemaName)
}

// validator compiles each schema version once.
func (o *Orchestrator) validator(d *descriptor.Descriptor) (*descriptor.Validator, error) {
	if v, ok := o.validators.Load(d.Ref()); ok {
		return v.(*descriptor.Validator), nil
	}
	v, err := d.Compile()
	if err != nil {
		return nil, err
	}
	actual, _ := o.validators.LoadOrStore(d.Ref(), v)
	return actual.(*descriptor.Validator), nil
}

func (o *Orchestrator) model() string {
	if m, ok := o.enforcer.Adapter().(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

// ReviewSummary counts records per review status.
func ReviewSummary(records []*types.Record) map[types.ReviewStatus]int {
	counts := make(map[types.ReviewStatus]int)
	for _, r := range records {
		if r.Assessment != nil {
			counts[r.Assessment.Status]++
		}
	}
	return counts
}
