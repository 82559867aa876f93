package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/DataFenix-Ltd/doc2json/internal/destinations"
	"github.com/DataFenix-Ltd/doc2json/internal/orchestrator"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
	"github.com/DataFenix-Ltd/doc2json/internal/sources"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// RunRequest describes one batch. Zero values fall back to the schema's
// configuration.
type RunRequest struct {
	Schema string
	// Source is a directory of documents.
	Source      string
	Recursive   *bool
	Destination *destinations.Config
	// PinnedVersion extracts against an exact version instead of the active one.
	PinnedVersion int
	MaxWorkers    int
	Timeout       time.Duration
	Assess        *bool
}

// RunResult is a finished batch plus where its output went.
type RunResult struct {
	*orchestrator.BatchResult
	Location string
}

// Run reads the configured source for the schema and extracts every
// document in it.
func (a *App) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	docs, err := a.listDocuments(ctx, req)
	if err != nil {
		return nil, err
	}
	return a.RunDocuments(ctx, req, docs)
}

// source resolves the request's directory and recursion against the
// schema's configuration.
func (a *App) source(req RunRequest) (*sources.Local, error) {
	if req.Schema == "" {
		return nil, errors.New("schema name is required")
	}
	src := a.Config().Schema(req.Schema).Source
	root := req.Source
	if root == "" {
		root = src.Path
	}
	if root == "" {
		return nil, fmt.Errorf("schema %s: no source directory given or configured", req.Schema)
	}
	recursive := true
	switch {
	case req.Recursive != nil:
		recursive = *req.Recursive
	case src.Recursive != nil:
		recursive = *src.Recursive
	}
	return &sources.Local{Root: root, Recursive: recursive, Logger: a.logger}, nil
}

func (a *App) listDocuments(ctx context.Context, req RunRequest) ([]types.Document, error) {
	local, err := a.source(req)
	if err != nil {
		return nil, err
	}
	docs, err := local.Documents(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Info("documents listed", "schema", req.Schema, "source", local.Root, "count", len(docs))
	return docs, nil
}

// RunDocuments extracts docs into the request's destination.
func (a *App) RunDocuments(ctx context.Context, req RunRequest, docs []types.Document) (*RunResult, error) {
	if _, err := a.EnsureSchema(ctx, req.Schema); err != nil {
		return nil, err
	}
	orch, err := a.Orchestrator(req.Schema)
	if err != nil {
		return nil, err
	}

	destCfg := a.Config().Schema(req.Schema).Destination
	if req.Destination != nil {
		destCfg = *req.Destination
	}
	if destCfg.Type != destinations.KindSQL && destCfg.Path == "" {
		destCfg.Path = a.outputsDir() + string(filepath.Separator)
	}
	dest, err := destinations.Open(ctx, destCfg, req.Schema, a.db, time.Now())
	if err != nil {
		return nil, err
	}

	bc := a.BatchConfig(req.Schema)
	bc.PinnedVersion = req.PinnedVersion
	if req.MaxWorkers > 0 {
		bc.MaxWorkers = req.MaxWorkers
	}
	if req.Timeout > 0 {
		bc.Timeout = req.Timeout
	}
	if req.Assess != nil {
		bc.Assess = *req.Assess
	}

	res, runErr := orch.RunBatch(ctx, docs, dest, bc)
	closeErr := dest.Close()
	if err := errors.Join(runErr, closeErr); err != nil {
		return nil, err
	}
	a.logger.Info("run complete",
		"schema", req.Schema,
		"version", res.Run.SchemaVersion,
		"succeeded", res.Run.Succeeded,
		"failed", res.Run.Failed,
		"output", dest.Location())
	return &RunResult{BatchResult: res, Location: dest.Location()}, nil
}

func (a *App) outputsDir() string {
	if dir := a.Config().Defaults.OutputsDir; dir != "" {
		return a.home.Resolve(dir)
	}
	return a.home.OutputsDir()
}

// Propose aggregates the assessments carried by records into a suggestion
// against the active version of schema. Only records extracted with the
// active version count, since candidates are relative to the fields that
// version already has.
func (a *App) Propose(ctx context.Context, schema string, records []*types.Record) (*registry.Suggestion, error) {
	return a.ProposeWithPolicy(ctx, schema, records, a.schemas.Policy())
}

// ProposeWithPolicy is Propose with a one-off aggregation threshold.
func (a *App) ProposeWithPolicy(ctx context.Context, schema string, records []*types.Record, policy registry.Policy) (*registry.Suggestion, error) {
	active, err := a.schemas.GetActive(ctx, schema)
	if err != nil {
		return nil, err
	}
	var assessments []*types.Assessment
	for _, rec := range records {
		if rec.SchemaName == schema && rec.SchemaVersion == active.Version && rec.Assessment != nil {
			assessments = append(assessments, rec.Assessment)
		}
	}
	return a.schemas.ProposeWithPolicy(ctx, schema, assessments, policy)
}

// StoredRecords returns the records the sql destination wrote for schema.
func (a *App) StoredRecords(ctx context.Context, schema string) ([]*types.Record, error) {
	return destinations.RecordsForSchema(ctx, a.db, schema)
}
