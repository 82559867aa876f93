package descriptor

import (
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed archetypes/*.yaml
var archetypeFS embed.FS

// Archetypes returns the names of the built-in starter schemas, sorted.
func Archetypes() []string {
	entries, err := archetypeFS.ReadDir("archetypes")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Archetype loads a built-in starter schema as version 1.
// Lookup is case-insensitive and accepts "MedicalRecord" for "medical_record".
func Archetype(name string) (*Descriptor, error) {
	key := normalizeArchetypeName(name)
	content, err := archetypeFS.ReadFile(fmt.Sprintf("archetypes/%s.yaml", key))
	if err != nil {
		return nil, fmt.Errorf("archetype not found: %s (available: %s)", name, strings.Join(Archetypes(), ", "))
	}
	return Parse(content)
}

func normalizeArchetypeName(name string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(name) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		if r == '-' || r == ' ' {
			r = '_'
		}
		b.WriteRune(r)
	}
	return strings.ReplaceAll(b.String(), "__", "_")
}
