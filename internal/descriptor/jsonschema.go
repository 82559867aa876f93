package descriptor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchema renders the descriptor as a draft 2020-12 JSON Schema object.
// Optional scalars accept null so providers may emit explicit nulls.
func (d *Descriptor) JSONSchema() map[string]any {
	root := objectSchema(d.Fields)
	if d.Description != "" {
		root["description"] = d.Description
	}
	root["title"] = d.Name
	return root
}

// JSONSchemaBytes is JSONSchema serialized.
func (d *Descriptor) JSONSchemaBytes() (json.RawMessage, error) {
	b, err := json.Marshal(d.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize schema %s: %w", d.Ref(), err)
	}
	return b, nil
}

func objectSchema(fields []FieldSpec) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func fieldSchema(f FieldSpec) map[string]any {
	var s map[string]any
	switch f.Type {
	case TypeObject:
		s = objectSchema(f.Fields)
	case TypeList:
		items := map[string]any{}
		if f.Items != nil {
			item := *f.Items
			item.Required = true
			items = fieldSchema(item)
		}
		s = map[string]any{"type": "array", "items": items}
	default:
		s = map[string]any{"type": string(f.Type)}
	}
	if !f.Required {
		s["type"] = []any{s["type"], "null"}
	}
	if f.Description != "" {
		s["description"] = f.Description
	}
	return s
}

// Validator checks payloads against one compiled descriptor version.
type Validator struct {
	desc   *Descriptor
	schema *jsonschema.Schema
}

// Compile prepares a Validator for d.
func (d *Descriptor) Compile() (*Validator, error) {
	raw, err := d.JSONSchemaBytes()
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := d.Ref() + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", d.Ref(), err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", d.Ref(), err)
	}
	return &Validator{desc: d, schema: schema}, nil
}

// ValidationError lists every violation found in a payload.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "payload does not match schema: " + strings.Join(e.Issues, "; ")
}

// Validate checks raw against the schema and returns the payload in
// canonical form: unknown keys and explicit nulls removed, object keys sorted.
// Non-conforming payloads yield a *ValidationError.
func (v *Validator) Validate(raw json.RawMessage) (json.RawMessage, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Issues: []string{fmt.Sprintf("not valid JSON: %v", err)}}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &ValidationError{Issues: []string{"top-level value must be a JSON object"}}
	}
	pruned := pruneObject(obj, v.desc.Fields)

	if err := v.schema.Validate(pruned); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return nil, &ValidationError{Issues: flattenIssues(verr)}
		}
		return nil, &ValidationError{Issues: []string{err.Error()}}
	}

	out, err := json.Marshal(pruned)
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical payload: %w", err)
	}
	return out, nil
}

// ValidatePayload is a one-shot Compile + Validate.
func (d *Descriptor) ValidatePayload(raw json.RawMessage) (json.RawMessage, error) {
	v, err := d.Compile()
	if err != nil {
		return nil, err
	}
	return v.Validate(raw)
}

func pruneObject(obj map[string]any, fields []FieldSpec) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		val, ok := obj[f.Name]
		if !ok || val == nil {
			continue
		}
		out[f.Name] = pruneValue(val, f)
	}
	return out
}

func pruneValue(val any, f FieldSpec) any {
	switch f.Type {
	case TypeObject:
		if m, ok := val.(map[string]any); ok {
			return pruneObject(m, f.Fields)
		}
	case TypeList:
		if list, ok := val.([]any); ok && f.Items != nil {
			out := make([]any, len(list))
			for i, item := range list {
				out[i] = pruneValue(item, *f.Items)
			}
			return out
		}
	}
	return val
}

func flattenIssues(verr *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			loc = strings.ReplaceAll(loc, "/", ".")
			if loc == "" {
				loc = "(root)"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	if len(out) == 0 {
		out = append(out, verr.Message)
	}
	return out
}
