package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDirName is the default name for the doc2json home directory.
	DefaultDirName = ".doc2json"

	// SchemasDirName holds descriptor files.
	SchemasDirName = "schemas"

	// OutputsDirName holds file destination output.
	OutputsDirName = "outputs"

	// LogsDirName holds rotated log files.
	LogsDirName = "logs"

	// RegistryFileName is the embedded schema registry database.
	RegistryFileName = "registry.db"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the doc2json home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.doc2json).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// SchemasDir returns the directory for descriptor files.
func (d *Dir) SchemasDir() string {
	return filepath.Join(d.path, SchemasDirName)
}

// SchemaPath returns the descriptor file for a schema name.
func (d *Dir) SchemaPath(name string) string {
	return filepath.Join(d.SchemasDir(), name+".yaml")
}

// OutputsDir returns the default directory for file destinations.
func (d *Dir) OutputsDir() string {
	return filepath.Join(d.path, OutputsDirName)
}

// LogsDir returns the directory for log files.
func (d *Dir) LogsDir() string {
	return filepath.Join(d.path, LogsDirName)
}

// LogPath returns the default log file.
func (d *Dir) LogPath() string {
	return filepath.Join(d.LogsDir(), "doc2json.log")
}

// RegistryPath returns the embedded registry database path.
func (d *Dir) RegistryPath() string {
	return filepath.Join(d.path, RegistryFileName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.SchemasDir(), d.OutputsDir(), d.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// Resolve returns path unchanged when absolute and relative to the home
// directory otherwise. "~/" is expanded to the user's home.
func (d *Dir) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, path[2:])
		}
	}
	return filepath.Join(d.path, path)
}
