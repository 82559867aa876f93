package descriptor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Instructions renders the contract as plain-language guidance for
// providers that cannot take a tool schema.
func (d *Descriptor) Instructions() string {
	var b strings.Builder
	b.WriteString("Respond with a single JSON object and nothing else")
	if d.Description != "" {
		fmt.Fprintf(&b, " describing: %s", d.Description)
	}
	b.WriteString(".\nFields:\n")
	writeFieldLines(&b, d.Fields, 0)
	b.WriteString("Omit optional fields the document does not mention. Do not invent fields that are not listed. ")
	b.WriteString("Numbers must be JSON numbers, not strings.")
	return b.String()
}

func writeFieldLines(b *strings.Builder, fields []FieldSpec, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, f := range fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(b, "%s- %s (%s, %s)", indent, f.Name, typeLabel(f), req)
		if f.Description != "" {
			fmt.Fprintf(b, ": %s", f.Description)
		}
		b.WriteString("\n")
		switch {
		case f.Type == TypeObject:
			writeFieldLines(b, f.Fields, depth+1)
		case f.Type == TypeList && f.Items != nil && f.Items.Type == TypeObject:
			writeFieldLines(b, f.Items.Fields, depth+1)
		}
	}
}

func typeLabel(f FieldSpec) string {
	if f.Type == TypeList && f.Items != nil {
		return "list of " + typeLabel(*f.Items)
	}
	return string(f.Type)
}

// Example builds a deterministic worked example that satisfies the schema,
// including every optional field so the model sees the full shape.
func (d *Descriptor) Example() json.RawMessage {
	b, _ := json.MarshalIndent(exampleObject(d.Fields), "", "  ")
	return b
}

func exampleObject(fields []FieldSpec) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.Name] = exampleValue(f)
	}
	return out
}

func exampleValue(f FieldSpec) any {
	switch f.Type {
	case TypeString:
		return "<" + f.Name + ">"
	case TypeNumber:
		return 12.5
	case TypeInteger:
		return 1
	case TypeBoolean:
		return true
	case TypeObject:
		return exampleObject(f.Fields)
	case TypeList:
		if f.Items == nil {
			return []any{}
		}
		item := *f.Items
		if item.Name == "" {
			item.Name = f.Name
		}
		return []any{exampleValue(item)}
	}
	return nil
}
