package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/app"
	"github.com/DataFenix-Ltd/doc2json/internal/destinations"
)

var (
	runSource      string
	runNoRecursive bool
	runDestType    string
	runDestPath    string
	runVersion     int
	runWorkers     int
	runTimeout     time.Duration
	runAssess      bool
	runNoAssess    bool
	runDryRun      bool
)

var runCmd = &cobra.Command{
	Use:   "run <schema>",
	Short: "Extract every document in a source directory",
	Long: `Extract structured records from the documents in a directory.

The schema is registered from its configured descriptor file on first use.
Source, destination, worker count and assessment default to the schema's
section in the config file.

Examples:
  doc2json run invoice
  doc2json run invoice --source ./scans --dest xlsx
  doc2json run invoice --version 1 --no-assess
  doc2json run invoice --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := app.RunRequest{
			Schema:        args[0],
			Source:        runSource,
			PinnedVersion: runVersion,
			MaxWorkers:    runWorkers,
			Timeout:       runTimeout,
		}
		if runNoRecursive {
			off := false
			req.Recursive = &off
		}
		switch {
		case runAssess && runNoAssess:
			return errors.New("--assess and --no-assess are mutually exclusive")
		case runAssess:
			req.Assess = &runAssess
		case runNoAssess:
			off := false
			req.Assess = &off
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if runDryRun {
			report, err := a.DryRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			return api.OutputWithTable(report, dryRunTable(report))
		}

		if runDestType != "" || runDestPath != "" {
			dest := a.Config().Schema(req.Schema).Destination
			if runDestType != "" {
				dest.Type = runDestType
				dest.Path = ""
			}
			if runDestPath != "" {
				dest.Path = runDestPath
			}
			req.Destination = &dest
		}

		// Fail before listing documents when credentials are missing.
		if _, err := a.Providers(); err != nil {
			return err
		}

		res, err := a.Run(cmd.Context(), req)
		if err != nil {
			return err
		}
		if err := a.FlushCalls(cmd.Context()); err != nil {
			a.Logger().Warn("failed to flush llm call records", "error", err)
		}

		return api.OutputWithTable(res.Run, runTable(res))
	},
}

func runTable(res *app.RunResult) *api.Table {
	r := res.Run
	t := api.NewTable("FIELD", "VALUE").
		Row("schema", fmt.Sprintf("%s v%d", r.SchemaName, r.SchemaVersion)).
		Row("provider", fmt.Sprintf("%s (%s)", r.Provider, r.Model)).
		Row("processed", r.Processed).
		Row("succeeded", r.Succeeded).
		Row("failed", r.Failed).
		Row("tokens", fmt.Sprintf("%d in / %d out", r.Tokens.InputTokens, r.Tokens.OutputTokens)).
		Row("duration", time.Duration(r.DurationMs)*time.Millisecond).
		Row("output", res.Location)
	t.Title = "Run " + r.ID
	for _, f := range res.Failures {
		t.Note("! %s: %s", f.SourceDocumentID, f.Error)
	}
	return t
}

func dryRunTable(r *app.DryRunReport) *api.Table {
	t := api.NewTable("DOCUMENT", "CHARS", "PAGES", "INPUT TOKENS", "NOTE")
	t.Title = fmt.Sprintf("Dry run: %s v%d, %d fields, ~%d output tokens per document",
		r.Schema.Name, r.Schema.Version, r.Schema.TotalFields, r.Schema.EstimatedOutputTokens)
	for _, d := range r.Documents {
		var note string
		switch {
		case d.Error != "":
			note = "unreadable: " + d.Error
		case d.Rejected:
			note = "over limit, would fail"
		case d.Truncated:
			note = "truncated"
		case d.Large:
			note = "large"
		}
		t.Row(d.ID, d.Chars, d.Pages, d.InputTokens, note)
	}
	t.Note("%d readable, %d unreadable, %d large, %d truncated, %d rejected (strategy %s, max %d chars)",
		r.Readable, r.Unreadable, r.Large, r.Truncated, r.Rejected, r.Policy.Strategy, r.Policy.MaxChars)
	t.Note("Estimated tokens: %d in / %d out", r.InputTokens, r.OutputTokens)
	return t
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "Source directory (default from config)")
	runCmd.Flags().BoolVar(&runNoRecursive, "no-recursive", false, "Only read the top level of the source directory")
	runCmd.Flags().StringVar(&runDestType, "dest", "", fmt.Sprintf("Destination type: %s, %s or %s", destinations.KindJSONL, destinations.KindXLSX, destinations.KindSQL))
	runCmd.Flags().StringVar(&runDestPath, "dest-path", "", "Destination file or directory")
	runCmd.Flags().IntVar(&runVersion, "version", 0, "Extract against this schema version instead of the active one")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Concurrent documents (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Whole-batch timeout (default from config)")
	runCmd.Flags().BoolVar(&runAssess, "assess", false, "Force the assessment pass on")
	runCmd.Flags().BoolVar(&runNoAssess, "no-assess", false, "Force the assessment pass off")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Estimate tokens and flag large documents without calling a provider")
	rootCmd.AddCommand(runCmd)
}
