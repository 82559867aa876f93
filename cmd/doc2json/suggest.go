package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/destinations"
	"github.com/DataFenix-Ltd/doc2json/internal/registry"
	"github.com/DataFenix-Ltd/doc2json/internal/types"
)

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Propose and review schema revisions",
}

var (
	suggestFrom       []string
	suggestMinCount   int
	suggestMinPercent float64
)

var suggestProposeCmd = &cobra.Command{
	Use:   "propose <schema>",
	Short: "Propose new fields from assessed records",
	Long: `Aggregate the candidate fields reported by record assessments into a
pending suggestion against the schema's active version.

Records come from the sql destination by default. Use --from to read
.jsonl output files instead.

A candidate is kept when it appears in at least --min-count records and
--min-percent of the batch, whichever is larger. Both default to the
registry policy.

Examples:
  doc2json suggest propose invoice
  doc2json suggest propose invoice --min-count 1 --min-percent 5
  doc2json suggest propose invoice --from outputs/invoice_20250101_120000.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		schema := args[0]
		var records []*types.Record
		if len(suggestFrom) == 0 {
			records, err = a.StoredRecords(cmd.Context(), schema)
			if err != nil {
				return err
			}
		}
		for _, path := range suggestFrom {
			recs, err := destinations.ReadRecords(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			for _, r := range recs {
				if r.SchemaName == "" {
					r.SchemaName = schema
				}
			}
			records = append(records, recs...)
		}

		policy := a.Schemas().Policy()
		if cmd.Flags().Changed("min-count") {
			policy.MinRecords = suggestMinCount
		}
		if cmd.Flags().Changed("min-percent") {
			policy.MinFraction = suggestMinPercent / 100
		}
		s, err := a.ProposeWithPolicy(cmd.Context(), schema, records, policy)
		if err != nil {
			return err
		}
		return api.OutputWithTable(s, suggestionTable([]*registry.Suggestion{s}))
	},
}

var suggestListStatus string

var suggestListCmd = &cobra.Command{
	Use:   "list [schema]",
	Short: "List suggestions, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var schema string
		if len(args) == 1 {
			schema = args[0]
		}
		all, err := a.Schemas().Suggestions(cmd.Context(), schema)
		if err != nil {
			return err
		}
		var list []*registry.Suggestion
		for _, s := range all {
			if suggestListStatus == "" || string(s.Status) == suggestListStatus {
				list = append(list, s)
			}
		}
		return api.OutputWithTable(list, suggestionTable(list))
	},
}

func suggestionTable(list []*registry.Suggestion) *api.Table {
	t := api.NewTable("ID", "SCHEMA", "BASE", "STATUS", "FIELDS")
	for _, s := range list {
		names := make([]string, len(s.ProposedFields))
		for i, f := range s.ProposedFields {
			names[i] = fmt.Sprintf("%s(%d/%d)", f.Name, s.SupportingEvidence[f.Name], s.BatchSize)
		}
		t.Row(s.ID, s.BaseSchemaName, fmt.Sprintf("v%d", s.BaseVersion), s.Status, strings.Join(names, ", "))
	}
	return t
}

var suggestShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Schemas().Suggestion(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return api.Output(s)
	},
}

var suggestApplyCmd = &cobra.Command{
	Use:   "apply <id>",
	Short: "Promote a pending suggestion to a new active schema version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.Schemas().Apply(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return api.Output(d)
	},
}

var suggestDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Discard a pending suggestion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Schemas().Discard(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
		return nil
	},
}

func init() {
	suggestProposeCmd.Flags().StringSliceVar(&suggestFrom, "from", nil, "Read records from these .jsonl files instead of the sql destination")
	suggestProposeCmd.Flags().IntVar(&suggestMinCount, "min-count", registry.DefaultPolicy.MinRecords, "Minimum records a candidate must appear in")
	suggestProposeCmd.Flags().Float64Var(&suggestMinPercent, "min-percent", registry.DefaultPolicy.MinFraction*100, "Minimum percent of the batch a candidate must appear in")
	suggestListCmd.Flags().StringVar(&suggestListStatus, "status", "", "Filter by status (pending, applied, discarded)")

	suggestCmd.AddCommand(suggestProposeCmd)
	suggestCmd.AddCommand(suggestListCmd)
	suggestCmd.AddCommand(suggestShowCmd)
	suggestCmd.AddCommand(suggestApplyCmd)
	suggestCmd.AddCommand(suggestDiscardCmd)
	rootCmd.AddCommand(suggestCmd)
}
