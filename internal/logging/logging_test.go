package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DataFenix-Ltd/doc2json/internal/providers"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_JSONAndFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "doc2json.log")

	logger, closer, err := New(&buf, Options{Level: "debug", Format: "json", File: file})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("provider configured", "provider", "openai", "api_key", providers.Secret("sk-live-123"))
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"msg":"provider configured"`) {
		t.Errorf("output = %s", out)
	}
	if strings.Contains(out, "sk-live-123") {
		t.Error("credential leaked into log output")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if string(data) != out {
		t.Errorf("file = %q, want %q", data, out)
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, _, err := New(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, _, err := New(&bytes.Buffer{}, Options{Level: "verbose"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(&buf, Options{Level: "warn"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %s", buf.String())
	}
}
