package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML or JSON schema definition. The version defaults to 1
// when the document does not carry one.
func Parse(data []byte) (*Descriptor, error) {
	d, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Load reads a schema definition from disk. A missing name is taken from
// the file name.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	d, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if d.Name == "" {
		d.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func decode(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse schema definition: %w", err)
	}
	if d.Version == 0 {
		d.Version = 1
	}
	return &d, nil
}

// Marshal renders d the way Parse reads it.
func Marshal(d *Descriptor) ([]byte, error) {
	return yaml.Marshal(d)
}
