package app

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/orchestrator"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
)

// DryRunDocument is the plan for one document.
type DryRunDocument struct {
	ID    string `json:"id" yaml:"id"`
	Chars int    `json:"chars" yaml:"chars"`
	Pages int    `json:"pages,omitempty" yaml:"pages,omitempty"`
	// InputTokens estimates the text actually sent after the large-document
	// policy.
	InputTokens int  `json:"input_tokens" yaml:"input_tokens"`
	Large       bool `json:"large,omitempty" yaml:"large,omitempty"`
	Truncated   bool `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	// Rejected documents would fail under the fail strategy.
	Rejected bool   `json:"rejected,omitempty" yaml:"rejected,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// DryRunReport estimates a batch without calling a provider.
type DryRunReport struct {
	Schema    descriptor.Analysis         `json:"schema" yaml:"schema"`
	Source    string                      `json:"source" yaml:"source"`
	Policy    orchestrator.LargeDocPolicy `json:"large_doc_policy" yaml:"large_doc_policy"`
	Documents []DryRunDocument            `json:"documents" yaml:"documents"`

	Readable   int `json:"readable" yaml:"readable"`
	Unreadable int `json:"unreadable" yaml:"unreadable"`
	Large      int `json:"large" yaml:"large"`
	Truncated  int `json:"truncated" yaml:"truncated"`
	Rejected   int `json:"rejected" yaml:"rejected"`

	InputTokens  int `json:"estimated_input_tokens" yaml:"estimated_input_tokens"`
	OutputTokens int `json:"estimated_output_tokens" yaml:"estimated_output_tokens"`
}

// DryRun lists and reads the request's source and reports what a run would
// send, without registering the schema or calling a model.
func (a *App) DryRun(ctx context.Context, req RunRequest) (*DryRunReport, error) {
	d, err := a.plannedDescriptor(ctx, req.Schema, req.PinnedVersion)
	if err != nil {
		return nil, err
	}
	local, err := a.source(req)
	if err != nil {
		return nil, err
	}
	docs, err := local.Documents(ctx)
	if err != nil {
		return nil, err
	}

	analysis := descriptor.Analyze(d)
	policy := a.Config().LargeDocPolicy(req.Schema).WithDefaults()
	report := &DryRunReport{
		Schema:    analysis,
		Source:    local.Root,
		Policy:    policy,
		Documents: make([]DryRunDocument, 0, len(docs)),
	}
	for _, doc := range docs {
		plan := DryRunDocument{ID: doc.ID, Pages: doc.Pages}
		if doc.Err != nil {
			plan.Error = doc.Err.Error()
			report.Unreadable++
			report.Documents = append(report.Documents, plan)
			continue
		}
		plan.Chars = utf8.RuneCountInString(doc.Text)
		plan.Large = orchestrator.IsLarge(plan.Chars, doc.Pages)
		sent, truncated, rejected := policy.Plan(plan.Chars)
		plan.Truncated = truncated
		plan.Rejected = rejected
		plan.InputTokens = descriptor.EstimateTextTokens(sent)

		report.Readable++
		if plan.Large {
			report.Large++
		}
		if truncated {
			report.Truncated++
		}
		if rejected {
			report.Rejected++
		} else {
			report.InputTokens += plan.InputTokens
			report.OutputTokens += analysis.EstimatedOutputTokens
		}
		report.Documents = append(report.Documents, plan)
	}
	a.logger.Info("dry run planned",
		"schema", req.Schema,
		"documents", len(docs),
		"input_tokens", report.InputTokens,
		"output_tokens", report.OutputTokens)
	return report, nil
}

// plannedDescriptor returns the version a run would use. An unregistered
// schema is read from its configured file but not registered.
func (a *App) plannedDescriptor(ctx context.Context, name string, pinned int) (*descriptor.Descriptor, error) {
	if name == "" {
		return nil, errors.New("schema name is required")
	}
	if pinned > 0 {
		return a.schemas.Get(ctx, name, pinned)
	}
	d, err := a.schemas.GetActive(ctx, name)
	if err == nil || !errors.Is(err, registry.ErrNotFound) {
		return d, err
	}
	return a.configuredDescriptor(name)
}

// CheckStep is one consistency check.
type CheckStep struct {
	Name   string `json:"name" yaml:"name"`
	OK     bool   `json:"ok" yaml:"ok"`
	Detail string `json:"detail" yaml:"detail"`
}

// CheckReport collects the checks run for one schema.
type CheckReport struct {
	Schema string      `json:"schema" yaml:"schema"`
	OK     bool        `json:"ok" yaml:"ok"`
	Steps  []CheckStep `json:"steps" yaml:"steps"`
}

func (r *CheckReport) add(name string, err error, detail string) {
	step := CheckStep{Name: name, OK: err == nil, Detail: detail}
	if err != nil {
		step.Detail = err.Error()
		r.OK = false
	}
	r.Steps = append(r.Steps, step)
}

// Check verifies a schema can run: its descriptor loads, its source
// directory exists and at least one document in it reads. Failed checks
// are reported, not returned; the error is only for an empty name.
func (a *App) Check(ctx context.Context, schema string) (*CheckReport, error) {
	if schema == "" {
		return nil, errors.New("schema name is required")
	}
	report := &CheckReport{Schema: schema, OK: true}

	d, err := a.plannedDescriptor(ctx, schema, 0)
	detail := ""
	if err == nil {
		detail = fmt.Sprintf("%s v%d, %d fields", d.Name, d.Version, len(d.Fields))
	}
	report.add("schema", err, detail)

	local, err := a.source(RunRequest{Schema: schema})
	if err != nil {
		report.add("source", err, "")
		return report, nil
	}
	if err := local.Validate(); err != nil {
		report.add("source", err, "")
		return report, nil
	}
	report.add("source", nil, local.Root)

	doc, err := local.First(ctx)
	detail = ""
	if err == nil {
		detail = fmt.Sprintf("%s (%d chars)", doc.ID, utf8.RuneCountInString(doc.Text))
	}
	report.add("parse", err, detail)

	a.logger.Info("schema checked", "schema", schema, "ok", report.OK)
	return report, nil
}
