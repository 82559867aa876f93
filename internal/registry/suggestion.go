package registry

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

// SuggestionStatus is the lifecycle state of a Suggestion.
type SuggestionStatus string

const (
	StatusPending   SuggestionStatus = "pending"
	StatusApplied   SuggestionStatus = "applied"
	StatusDiscarded SuggestionStatus = "discarded"
)

// maxSamples bounds the evidence snippets kept per proposed field.
const maxSamples = 3

// Suggestion is a proposed schema revision aggregated from assessments.
type Suggestion struct {
	ID                 string                 `json:"id" yaml:"id"`
	BaseSchemaName     string                 `json:"base_schema_name" yaml:"base_schema_name"`
	BaseVersion        int                    `json:"base_version" yaml:"base_version"`
	ProposedFields     []descriptor.FieldSpec `json:"proposed_fields" yaml:"proposed_fields"`
	SupportingEvidence map[string]int         `json:"supporting_evidence" yaml:"supporting_evidence"`
	Samples            map[string][]string    `json:"samples,omitempty" yaml:"samples,omitempty"`
	BatchSize          int                    `json:"batch_size" yaml:"batch_size"`
	Status             SuggestionStatus       `json:"status" yaml:"status"`
	CreatedAt          time.Time              `json:"created_at" yaml:"created_at"`
	ResolvedAt         time.Time              `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
	AppliedVersion     int                    `json:"applied_version,omitempty" yaml:"applied_version,omitempty"`
}

func (s *Suggestion) clone() *Suggestion {
	if s == nil {
		return nil
	}
	c := *s
	c.ProposedFields = descriptor.Union(nil, s.ProposedFields)
	c.SupportingEvidence = make(map[string]int, len(s.SupportingEvidence))
	for k, v := range s.SupportingEvidence {
		c.SupportingEvidence[k] = v
	}
	if s.Samples != nil {
		c.Samples = make(map[string][]string, len(s.Samples))
		for k, v := range s.Samples {
			c.Samples[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// Policy is the aggregation threshold for promoting a candidate field: it
// must be observed in at least max(MinRecords, ceil(MinFraction*batch))
// records.
type Policy struct {
	MinRecords  int     `json:"min_records" yaml:"min_records" mapstructure:"min_records"`
	MinFraction float64 `json:"min_fraction" yaml:"min_fraction" mapstructure:"min_fraction"`
}

// DefaultPolicy keeps fields seen in at least 2 records or 20% of the
// batch, whichever is larger.
var DefaultPolicy = Policy{MinRecords: 2, MinFraction: 0.20}

// Validate rejects negative counts and fractions outside [0, 1].
func (p Policy) Validate() error {
	if p.MinRecords < 0 {
		return fmt.Errorf("min_records must be >= 0, got %d", p.MinRecords)
	}
	if p.MinFraction < 0 || p.MinFraction > 1 {
		return fmt.Errorf("min_fraction must be between 0 and 1, got %g", p.MinFraction)
	}
	return nil
}

// Threshold returns the minimum record count for a batch of n.
func (p Policy) Threshold(n int) int {
	t := p.MinRecords
	// epsilon keeps 0.2*35 from rounding up to 8
	if frac := int(math.Ceil(p.MinFraction*float64(n) - 1e-9)); frac > t {
		t = frac
	}
	if t < 1 {
		t = 1
	}
	return t
}

type candidateTally struct {
	name        string
	count       int
	types       map[descriptor.FieldType]int
	description string
	samples     []string
}

// aggregate counts each candidate once per assessment and keeps those at or
// over the policy threshold. Names already declared in base are skipped.
// Proposed fields are always optional so existing records stay valid.
func aggregate(base *descriptor.Descriptor, assessments []*types.Assessment, policy Policy, now time.Time) *Suggestion {
	existing := make(map[string]struct{})
	for _, f := range base.Fields {
		existing[f.Name] = struct{}{}
	}

	tallies := make(map[string]*candidateTally)
	for _, a := range assessments {
		if a == nil {
			continue
		}
		seen := make(map[string]struct{})
		for _, c := range a.CandidateNewFields {
			name := strings.TrimSpace(c.Name)
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

			t := tallies[name]
			if t == nil {
				t = &candidateTally{name: name, types: make(map[descriptor.FieldType]int)}
				tallies[name] = t
			}
			t.count++
			ft := descriptor.FieldType(c.SuggestedType)
			if !ft.IsScalar() {
				ft = descriptor.TypeString
			}
			t.types[ft]++
			if t.description == "" {
				t.description = strings.TrimSpace(c.Description)
			}
			if ev := strings.TrimSpace(c.Evidence); ev != "" && len(t.samples) < maxSamples {
				t.samples = append(t.samples, ev)
			}
		}
	}

	threshold := policy.Threshold(len(assessments))
	var kept []*candidateTally
	for _, t := range tallies {
		if t.count >= threshold {
			kept = append(kept, t)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].count != kept[j].count {
			return kept[i].count > kept[j].count
		}
		return kept[i].name < kept[j].name
	})

	s := &Suggestion{
		ID:                 uuid.New().String(),
		BaseSchemaName:     base.Name,
		BaseVersion:        base.Version,
		ProposedFields:     []descriptor.FieldSpec{},
		SupportingEvidence: make(map[string]int, len(kept)),
		Samples:            make(map[string][]string, len(kept)),
		BatchSize:          len(assessments),
		Status:             StatusPending,
		CreatedAt:          now,
	}
	for _, t := range kept {
		s.ProposedFields = append(s.ProposedFields, descriptor.FieldSpec{
			Name:        t.name,
			Type:        dominantType(t.types),
			Description: t.description,
		})
		s.SupportingEvidence[t.name] = t.count
		if len(t.samples) > 0 {
			s.Samples[t.name] = t.samples
		}
	}
	return s
}

// dominantType picks the most frequent suggested scalar type; ties resolve
// to the first in declaration order of the type tags.
func dominantType(counts map[descriptor.FieldType]int) descriptor.FieldType {
	best, bestN := descriptor.TypeString, 0
	for _, t := range []descriptor.FieldType{descriptor.TypeString, descriptor.TypeNumber, descriptor.TypeInteger, descriptor.TypeBoolean} {
		if counts[t] > bestN {
			best, bestN = t, counts[t]
		}
	}
	return best
}
