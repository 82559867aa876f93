// Package assessment runs the optional second pass over a completed
// extraction. The model reports ambiguous fields, notes and candidate new
// fields; the review status is computed locally by Classify.
package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/enforcer"
	"github.com/DataFenix-Ltd/doc2json/internal/llmcall"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// maxNotes caps how many model notes are kept per record.
const maxNotes = 5

// contract is the internal descriptor the model answers with.
var contract = &descriptor.Descriptor{
	Name:        "assessment",
	Version:     1,
	Description: "quality assessment of one extraction",
	Fields: []descriptor.FieldSpec{
		{
			Name:        "ambiguous_fields",
			Type:        descriptor.TypeList,
			Description: "dotted paths of schema fields whose extracted value is uncertain or unsupported by the document",
			Required:    true,
			Items:       &descriptor.FieldSpec{Type: descriptor.TypeString},
		},
		{
			Name:        "notes",
			Type:        descriptor.TypeList,
			Description: "one or two short review notes, only when issues exist",
			Items:       &descriptor.FieldSpec{Type: descriptor.TypeString},
		},
		{
			Name:        "candidate_new_fields",
			Type:        descriptor.TypeList,
			Description: "structured data present in the document that no schema field captures",
			Items: &descriptor.FieldSpec{
				Type: descriptor.TypeObject,
				Fields: []descriptor.FieldSpec{
					{Name: "name", Type: descriptor.TypeString, Required: true, Description: "snake_case field name"},
					{Name: "evidence", Type: descriptor.TypeString, Required: true, Description: "short verbatim snippet from the document"},
					{Name: "suggested_type", Type: descriptor.TypeString, Description: "one of string, number, integer, boolean, object, list"},
					{Name: "description", Type: descriptor.TypeString, Description: "short field description"},
				},
			},
		},
	},
}

// Contract returns a copy of the descriptor used for assessment replies.
func Contract() *descriptor.Descriptor { return contract.Clone() }

// reply mirrors contract.
type reply struct {
	AmbiguousFields    []string               `json:"ambiguous_fields"`
	Notes              []string               `json:"notes"`
	CandidateNewFields []types.CandidateField `json:"candidate_new_fields"`
}

// Engine assesses extractions through an Enforcer.
type Engine struct {
	enforcer  *enforcer.Enforcer
	validator *descriptor.Validator
	logger    *slog.Logger
}

// New creates an Engine. The enforcer should be built over the same adapter
// used for extraction.
func New(e *enforcer.Enforcer, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v, err := contract.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile assessment contract: %w", err)
	}
	return &Engine{enforcer: e, validator: v, logger: logger}, nil
}

// Input is one completed extraction to assess.
type Input struct {
	Descriptor *descriptor.Descriptor
	Document   string
	DocumentID string
	Payload    json.RawMessage
}

// Outcome carries the assessment and the cost of producing it.
type Outcome struct {
	Assessment *types.Assessment
	Usage      types.TokenUsage
	Attempts   int
}

// Assess runs the second pass for one record.
func (e *Engine) Assess(ctx context.Context, in Input) (*Outcome, error) {
	if in.Descriptor == nil {
		return nil, fmt.Errorf("assessment: input has no descriptor")
	}
	res, err := e.enforcer.Run(ctx, enforcer.Task{
		Descriptor:  contract,
		Validator:   e.validator,
		Document:    in.Document,
		DocumentID:  in.DocumentID,
		Instruction: instruction(in.Descriptor, in.Payload),
		PromptKey:   llmcall.PromptAssess,
	})
	if err != nil {
		return nil, fmt.Errorf("assess %s: %w", in.DocumentID, err)
	}

	var r reply
	if err := json.Unmarshal(res.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode assessment: %w", err)
	}
	a := Build(in.Descriptor, r.AmbiguousFields, r.Notes, r.CandidateNewFields)

	e.logger.Debug("assessed extraction",
		"document", in.DocumentID,
		"schema", in.Descriptor.Ref(),
		"status", a.Status,
		"ambiguous", len(a.AmbiguousFields),
		"candidates", len(a.CandidateNewFields))

	return &Outcome{Assessment: a, Usage: res.Usage, Attempts: res.Attempts}, nil
}

// Build filters raw model findings against d and classifies the result.
// Ambiguous names that are not schema paths are dropped, as are candidates
// that already exist in the schema.
func Build(d *descriptor.Descriptor, ambiguous, notes []string, candidates []types.CandidateField) *types.Assessment {
	a := &types.Assessment{
		AmbiguousFields:    filterAmbiguous(d, ambiguous),
		CandidateNewFields: filterCandidates(d, candidates),
	}
	for _, n := range notes {
		if n = strings.TrimSpace(n); n != "" && len(a.Notes) < maxNotes {
			a.Notes = append(a.Notes, n)
		}
	}
	a.Status = Classify(d, a.AmbiguousFields, a.CandidateNewFields)
	return a
}

// Classify applies the review rule: an ambiguous required field means
// needs_review; an ambiguous optional field or any candidate means
// suggested_review; otherwise no_review_needed. A nested field counts as
// required only when it and every ancestor are required.
func Classify(d *descriptor.Descriptor, ambiguous []string, candidates []types.CandidateField) types.ReviewStatus {
	optional := false
	for _, path := range ambiguous {
		_, required, ok := d.Lookup(path)
		if !ok {
			continue
		}
		if required {
			return types.ReviewNeeded
		}
		optional = true
	}
	if optional || len(candidates) > 0 {
		return types.ReviewSuggested
	}
	return types.ReviewNotNeeded
}

func filterAmbiguous(d *descriptor.Descriptor, names []string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, name := range names {
		path := normalizePath(name)
		if path == "" {
			continue
		}
		if _, _, ok := d.Lookup(path); !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// filterCandidates drops candidates the descriptor already declares, either
// as a top-level name or as a full nested path. A bare name that only
// matches a nested leaf is a new top-level field.
func filterCandidates(d *descriptor.Descriptor, candidates []types.CandidateField) []types.CandidateField {
	existing := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		existing[f.Name] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []types.CandidateField
	for _, c := range candidates {
		if path := normalizePath(c.Name); path != "" {
			if _, _, ok := d.Lookup(path); ok {
				continue
			}
		}
		name := NormalizeFieldName(c.Name)
		if name == "" {
			continue
		}
		if _, ok := existing[name]; ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, types.CandidateField{
			Name:          name,
			Evidence:      strings.TrimSpace(c.Evidence),
			SuggestedType: string(NormalizeType(c.SuggestedType)),
			Description:   strings.TrimSpace(c.Description),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// normalizePath accepts "vendor.name", "vendor/name" or "line_items[].amount".
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "$.")
	p = strings.ReplaceAll(p, "/", ".")
	p = strings.ReplaceAll(p, "[]", "")
	return strings.Trim(p, ".")
}

// NormalizeFieldName converts a candidate name to snake_case, e.g.
// "Tax ID" becomes "tax_id".
func NormalizeFieldName(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'A' && r <= 'Z':
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			prevLower = false
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevLower = true
		default:
			b.WriteByte('_')
			prevLower = false
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "field_" + out
	}
	return out
}

// NormalizeType maps loose type names ("str", "float", "Optional[int]",
// "list[str]") to a descriptor type. Unknown names become string.
func NormalizeType(t string) descriptor.FieldType {
	t = strings.ToLower(strings.TrimSpace(t))
	if strings.HasPrefix(t, "optional[") && strings.HasSuffix(t, "]") {
		t = t[len("optional[") : len(t)-1]
	}
	switch {
	case t == "number", t == "float", t == "decimal", t == "double", t == "currency":
		return descriptor.TypeNumber
	case t == "integer", t == "int":
		return descriptor.TypeInteger
	case t == "boolean", t == "bool":
		return descriptor.TypeBoolean
	case t == "object", t == "dict", strings.HasPrefix(t, "dict["):
		return descriptor.TypeObject
	case t == "list", t == "array", strings.HasPrefix(t, "list["), strings.HasPrefix(t, "array"):
		return descriptor.TypeList
	}
	return descriptor.TypeString
}

func instruction(d *descriptor.Descriptor, payload json.RawMessage) string {
	var b strings.Builder
	b.WriteString("Assess the extraction below against the source document. Be terse.\n\n")
	b.WriteString("Schema fields:\n")
	for _, p := range d.Paths() {
		spec, required, _ := d.Lookup(p)
		label := "optional"
		if required {
			label = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s)", p, spec.Type, label)
		if spec.Description != "" {
			fmt.Fprintf(&b, ": %s", spec.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nExtracted record:\n")
	b.Write(payload)
	b.WriteString("\n\nReport ambiguous_fields using the dotted paths above, only for values the document does not ")
	b.WriteString("support unambiguously. Report candidate_new_fields only for structured data in the document that ")
	b.WriteString("no listed field captures, with a short verbatim evidence snippet. Use empty lists when there is nothing to report.")
	return b.String()
}
