package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/app"
	"github.com/DataFenix-Ltd/doc2json/internal/config"
	"github.com/DataFenix-Ltd/doc2json/internal/home"
	"github.com/DataFenix-Ltd/doc2json/internal/logging"
	"github.com/DataFenix-Ltd/doc2json/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
	logFormat    string
	logFile      string
)

// logCloser releases the rotated log file opened by openApp.
var logCloser io.Closer

var rootCmd = &cobra.Command{
	Use:   "doc2json",
	Short: "Schema-driven document extraction with LLMs",
	Long: `doc2json turns unstructured documents into structured JSON records
that conform to versioned, user-defined schemas.

It includes:
  - Validated extraction with retries against OpenAI, Anthropic, OpenRouter and Ollama
  - Optional per-record quality assessment
  - A schema registry that proposes new fields from what documents contain
  - JSONL, Excel and SQL destinations`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./doc2json.yaml or ~/.doc2json/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "doc2json home directory (default: ~/.doc2json)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "table", "output format: table, yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (default from config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this rotated file")

	// Set output format before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return api.SetOutputFormat(outputFormat)
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	}

	rootCmd.AddCommand(versionCmd)
}

// loadHome resolves the --home flag.
func loadHome() (*home.Dir, error) {
	return home.New(homeDir)
}

// loadConfig reads --config, falling back to the home directory's
// config.yaml when --home is given.
func loadConfig(h *home.Dir) (*config.Manager, error) {
	path := cfgFile
	if path == "" && homeDir != "" && h.ConfigExists() {
		path = h.ConfigPath()
	}
	return config.NewManager(path)
}

// newLogger builds the process logger. Flags override the config file.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	opts := logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}
	if logLevel != "" {
		opts.Level = logLevel
	}
	if logFormat != "" {
		opts.Format = logFormat
	}
	if logFile != "" {
		opts.File = logFile
	}
	logger, closer, err := logging.New(os.Stderr, opts)
	if err != nil {
		return nil, err
	}
	logCloser = closer
	return logger, nil
}

// openApp loads configuration and opens the registry database. Callers
// must Close the returned App.
func openApp(cmd *cobra.Command) (*app.App, error) {
	h, err := loadHome()
	if err != nil {
		return nil, err
	}
	mgr, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(mgr.Get())
	if err != nil {
		return nil, err
	}
	mgr.SetLogger(logger)
	slog.SetDefault(logger)

	a, err := app.Open(cmd.Context(), app.Options{Config: mgr, Home: h, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return a, nil
}
