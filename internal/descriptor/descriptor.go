// Package descriptor is the in-memory representation of a document schema.
//
// A Descriptor is runtime data: an ordered tree of FieldSpec nodes tagged with
// a FieldType. It can render itself as a JSON Schema for tool calling and
// validation, as natural-language instructions for providers without tool
// support, and as a worked example payload.
package descriptor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FieldType tags a FieldSpec node.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeList    FieldType = "list"
)

// IsScalar reports whether t is a leaf type.
func (t FieldType) IsScalar() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		return true
	}
	return false
}

// Valid reports whether t is a known type tag.
func (t FieldType) Valid() bool {
	return t.IsScalar() || t == TypeObject || t == TypeList
}

// FieldSpec describes one field of a schema.
// Object fields carry Fields; list fields carry Items.
type FieldSpec struct {
	Name        string      `json:"name" yaml:"name"`
	Type        FieldType   `json:"type" yaml:"type"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool        `json:"required" yaml:"required"`
	Fields      []FieldSpec `json:"fields,omitempty" yaml:"fields,omitempty"`
	Items       *FieldSpec  `json:"items,omitempty" yaml:"items,omitempty"`
}

// Descriptor is one version of a named schema.
type Descriptor struct {
	Name          string      `json:"name" yaml:"name"`
	Version       int         `json:"version" yaml:"version"`
	Description   string      `json:"description,omitempty" yaml:"description,omitempty"`
	Fields        []FieldSpec `json:"fields" yaml:"fields"`
	CreatedAt     time.Time   `json:"created_at" yaml:"created_at,omitempty"`
	ParentVersion int         `json:"parent_version,omitempty" yaml:"parent_version,omitempty"`
}

// ErrInvalid wraps every structural validation failure.
var ErrInvalid = errors.New("invalid schema descriptor")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the structural invariants of the descriptor:
// a usable name, version >= 1, known type tags and unique field names
// at every nesting level.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !identPattern.MatchString(d.Name) {
		return fmt.Errorf("%w: name %q must be an identifier", ErrInvalid, d.Name)
	}
	if d.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalid, d.Version)
	}
	return validateFields(d.Name, d.Fields)
}

func validateFields(path string, fields []FieldSpec) error {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if !identPattern.MatchString(f.Name) {
			return fmt.Errorf("%w: field name %q under %s must be an identifier", ErrInvalid, f.Name, path)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q under %s", ErrInvalid, f.Name, path)
		}
		seen[f.Name] = struct{}{}
		if err := validateNode(path+"."+f.Name, f); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(path string, f FieldSpec) error {
	if !f.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q at %s", ErrInvalid, f.Type, path)
	}
	switch f.Type {
	case TypeObject:
		if f.Items != nil {
			return fmt.Errorf("%w: object field %s cannot declare items", ErrInvalid, path)
		}
		if len(f.Fields) == 0 {
			return fmt.Errorf("%w: object field %s has no fields", ErrInvalid, path)
		}
		return validateFields(path, f.Fields)
	case TypeList:
		if f.Items == nil {
			return fmt.Errorf("%w: list field %s must declare items", ErrInvalid, path)
		}
		if len(f.Fields) > 0 {
			return fmt.Errorf("%w: list field %s declares fields; put them under items", ErrInvalid, path)
		}
		return validateNode(path+"[]", *f.Items)
	default:
		if len(f.Fields) > 0 || f.Items != nil {
			return fmt.Errorf("%w: scalar field %s cannot have children", ErrInvalid, path)
		}
	}
	return nil
}

// Clone returns a deep copy so callers can never mutate a stored version.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.Fields = cloneFields(d.Fields)
	return &out
}

func cloneFields(fields []FieldSpec) []FieldSpec {
	if fields == nil {
		return nil
	}
	out := make([]FieldSpec, len(fields))
	for i, f := range fields {
		out[i] = cloneField(f)
	}
	return out
}

func cloneField(f FieldSpec) FieldSpec {
	f.Fields = cloneFields(f.Fields)
	if f.Items != nil {
		item := cloneField(*f.Items)
		f.Items = &item
	}
	return f
}

// Ref identifies a descriptor version, e.g. "invoice@v3".
func (d *Descriptor) Ref() string {
	return fmt.Sprintf("%s@v%d", d.Name, d.Version)
}

// Field returns the top-level field with the given name.
func (d *Descriptor) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Lookup resolves a dotted path such as "vendor.name" or
// "line_items.amount" (list items are traversed transparently).
// effectiveRequired is true only when the field and all of its
// ancestors are required.
func (d *Descriptor) Lookup(path string) (spec FieldSpec, effectiveRequired bool, ok bool) {
	parts := strings.Split(strings.TrimSpace(path), ".")
	fields := d.Fields
	required := true
	for i, part := range parts {
		part = strings.TrimSuffix(part, "[]")
		var found *FieldSpec
		for j := range fields {
			if fields[j].Name == part {
				found = &fields[j]
				break
			}
		}
		if found == nil {
			return FieldSpec{}, false, false
		}
		required = required && found.Required
		if i == len(parts)-1 {
			return *found, required, true
		}
		node := *found
		if node.Type == TypeList && node.Items != nil {
			node = *node.Items
		}
		if node.Type != TypeObject {
			return FieldSpec{}, false, false
		}
		fields = node.Fields
	}
	return FieldSpec{}, false, false
}

// Paths lists every field path in declaration order.
func (d *Descriptor) Paths() []string {
	var out []string
	var walk func(prefix string, fields []FieldSpec)
	walk = func(prefix string, fields []FieldSpec) {
		for _, f := range fields {
			p := f.Name
			if prefix != "" {
				p = prefix + "." + f.Name
			}
			out = append(out, p)
			node := f
			if node.Type == TypeList && node.Items != nil {
				node = *node.Items
			}
			if node.Type == TypeObject {
				walk(p, node.Fields)
			}
		}
	}
	walk("", d.Fields)
	return out
}

// RequiredCount returns the number of required top-level fields.
func (d *Descriptor) RequiredCount() int {
	n := 0
	for _, f := range d.Fields {
		if f.Required {
			n++
		}
	}
	return n
}

// Union returns base followed by every field of extra whose name is not
// already declared at the top level. base order is preserved.
func Union(base, extra []FieldSpec) []FieldSpec {
	out := cloneFields(base)
	if out == nil {
		out = []FieldSpec{}
	}
	seen := make(map[string]struct{}, len(base))
	for _, f := range base {
		seen[f.Name] = struct{}{}
	}
	for _, f := range extra {
		if _, ok := seen[f.Name]; ok {
			continue
		}
		seen[f.Name] = struct{}{}
		out = append(out, cloneField(f))
	}
	return out
}
