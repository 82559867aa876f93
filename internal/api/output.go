package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"
)

// OutputFormat selects how CLI commands print results.
type OutputFormat string

const (
	OutputFormatYAML  OutputFormat = "yaml"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
)

// DefaultOutput is used until the root command parses --output.
var DefaultOutput OutputFormat = OutputFormatTable

var globalOutputFormat = DefaultOutput

// ParseOutputFormat accepts yaml, json or table.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case OutputFormatYAML, OutputFormatJSON, OutputFormatTable:
		return f, nil
	case "":
		return DefaultOutput, nil
	}
	return "", fmt.Errorf("unknown output format %q: must be yaml, json or table", s)
}

// SetOutputFormat sets the format used by Output and OutputWithTable.
func SetOutputFormat(format string) error {
	f, err := ParseOutputFormat(format)
	if err != nil {
		return err
	}
	globalOutputFormat = f
	return nil
}

// GetOutputFormat returns the current global output format.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// Output writes data to stdout in the configured format.
func Output(data any) error {
	return OutputTo(os.Stdout, globalOutputFormat, data)
}

// OutputWithTable writes t when the configured format is table and data
// otherwise.
func OutputWithTable(data any, t *Table) error {
	return OutputWithTableTo(os.Stdout, globalOutputFormat, data, t)
}

// OutputWithTableTo is OutputWithTable for an explicit writer and format.
func OutputWithTableTo(w io.Writer, format OutputFormat, data any, t *Table) error {
	if format == OutputFormatTable && t != nil {
		return t.Render(w)
	}
	return OutputTo(w, format, data)
}

// OutputTo writes data to w in format. Data without a table view prints as
// YAML under the table format.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML, OutputFormatTable:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// Table is the human view of a command result.
type Table struct {
	// Title is printed above the rows.
	Title   string
	Headers []string
	Rows    [][]string
	// Notes are printed below the rows, one per line.
	Notes []string
}

// NewTable starts a table with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// Row appends one row, formatting each value with %v.
func (t *Table) Row(values ...any) *Table {
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = fmt.Sprint(v)
	}
	t.Rows = append(t.Rows, row)
	return t
}

// Note appends a line printed after the rows.
func (t *Table) Note(format string, args ...any) *Table {
	t.Notes = append(t.Notes, fmt.Sprintf(format, args...))
	return t
}

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Render writes the table to w.
func (t *Table) Render(w io.Writer) error {
	var b strings.Builder
	if t.Title != "" {
		b.WriteString(t.Title)
		b.WriteString("\n")
	}
	if len(t.Rows) > 0 || len(t.Headers) > 0 {
		lt := table.New().
			Border(lipgloss.NormalBorder()).
			Headers(t.Headers...).
			Rows(t.Rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return tableHeaderStyle
				}
				return tableCellStyle
			})
		b.WriteString(lt.Render())
		b.WriteString("\n")
	}
	for _, n := range t.Notes {
		b.WriteString(n)
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
