package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/app"
)

var checkCmd = &cobra.Command{
	Use:   "check [schema]",
	Short: "Check that schemas load and their sources have readable documents",
	Long: `Check each configured schema without calling a provider: the
descriptor loads, the source directory exists and at least one document
in it reads. Exits non-zero when any check fails.

Examples:
  doc2json check
  doc2json check invoice`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		names := args
		if len(names) == 0 {
			for name := range a.Config().Schemas {
				names = append(names, name)
			}
			sort.Strings(names)
		}
		if len(names) == 0 {
			return fmt.Errorf("no schemas configured in %s", a.ConfigManager().ConfigFile())
		}

		var reports []*app.CheckReport
		failed := 0
		t := api.NewTable("SCHEMA", "CHECK", "OK", "DETAIL")
		for _, name := range names {
			r, err := a.Check(cmd.Context(), name)
			if err != nil {
				return err
			}
			reports = append(reports, r)
			if !r.OK {
				failed++
			}
			for _, s := range r.Steps {
				ok := "yes"
				if !s.OK {
					ok = "NO"
				}
				t.Row(name, s.Name, ok, s.Detail)
			}
		}
		if err := api.OutputWithTable(reports, t); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d schemas failed checks", failed, len(names))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
