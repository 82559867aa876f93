package descriptor

import (
	"fmt"
	"strings"
)

// Output token heuristics used for cost planning.
const (
	tokensPerFieldKey   = 3
	tokensPerString     = 20
	tokensPerLongString = 50
	tokensPerNumber     = 3
	tokensPerBool       = 1
	tokensPerListItem   = 5
	tokensListBase      = 2
	defaultListItems    = 3
	tokensObjectBraces  = 2

	// charsPerToken approximates English prose for input estimates.
	charsPerToken = 4
)

var longStringHints = []string{"description", "notes", "summary", "comment", "address"}

// Analysis summarizes the shape of a descriptor.
type Analysis struct {
	Name                  string   `json:"name" yaml:"name"`
	Version               int      `json:"version" yaml:"version"`
	TotalFields           int      `json:"total_fields" yaml:"total_fields"`
	RequiredFields        int      `json:"required_fields" yaml:"required_fields"`
	OptionalFields        int      `json:"optional_fields" yaml:"optional_fields"`
	NestedObjects         []string `json:"nested_objects,omitempty" yaml:"nested_objects,omitempty"`
	EstimatedOutputTokens int      `json:"estimated_output_tokens" yaml:"estimated_output_tokens"`
}

// Analyze counts top-level fields, lists nested object paths and estimates
// output tokens for one extracted document.
func Analyze(d *Descriptor) Analysis {
	a := Analysis{
		Name:                  d.Name,
		Version:               d.Version,
		TotalFields:           len(d.Fields),
		RequiredFields:        d.RequiredCount(),
		EstimatedOutputTokens: EstimateOutputTokens(d.Fields),
	}
	a.OptionalFields = a.TotalFields - a.RequiredFields
	for _, p := range d.Paths() {
		spec, _, ok := d.Lookup(p)
		if !ok {
			continue
		}
		if spec.Type == TypeObject || (spec.Type == TypeList && spec.Items != nil && spec.Items.Type == TypeObject) {
			a.NestedObjects = append(a.NestedObjects, p)
		}
	}
	return a
}

// Summary formats the analysis for terminal output.
func (a Analysis) Summary() string {
	lines := []string{
		fmt.Sprintf("Fields: %d (%d required, %d optional)", a.TotalFields, a.RequiredFields, a.OptionalFields),
	}
	if len(a.NestedObjects) > 0 {
		lines = append(lines, fmt.Sprintf("Nested objects: %d (%s)", len(a.NestedObjects), strings.Join(a.NestedObjects, ", ")))
	}
	lines = append(lines, fmt.Sprintf("Estimated output tokens per document: %d", a.EstimatedOutputTokens))
	return strings.Join(lines, "\n")
}

// EstimateTextTokens approximates the tokens a text of chars characters
// costs as model input.
func EstimateTextTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// EstimateOutputTokens is a conservative output size estimate for one object.
func EstimateOutputTokens(fields []FieldSpec) int {
	total := tokensObjectBraces
	for _, f := range fields {
		total += tokensPerFieldKey + estimateValue(f)
	}
	return total
}

func estimateValue(f FieldSpec) int {
	switch f.Type {
	case TypeString:
		name := strings.ToLower(f.Name)
		for _, hint := range longStringHints {
			if strings.Contains(name, hint) {
				return tokensPerLongString
			}
		}
		return tokensPerString
	case TypeNumber, TypeInteger:
		return tokensPerNumber
	case TypeBoolean:
		return tokensPerBool
	case TypeObject:
		return EstimateOutputTokens(f.Fields)
	case TypeList:
		item := tokensPerString
		if f.Items != nil {
			it := *f.Items
			if it.Name == "" {
				it.Name = f.Name
			}
			item = estimateValue(it)
		}
		return tokensListBase + defaultListItems*(item+tokensPerListItem)
	}
	return tokensPerString
}
