package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage versioned schemas in the registry",
}

var schemaArchetype string

var schemaRegisterCmd = &cobra.Command{
	Use:   "register [file]",
	Short: "Register a schema from a descriptor file or a built-in archetype",
	Long: `Register version 1 of a schema.

Examples:
  doc2json schema register ./schemas/invoice.yaml
  doc2json schema register --archetype receipt`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d *descriptor.Descriptor
		var err error
		switch {
		case schemaArchetype != "" && len(args) > 0:
			return errors.New("give a file or --archetype, not both")
		case schemaArchetype != "":
			d, err = descriptor.Archetype(schemaArchetype)
		case len(args) == 1:
			d, err = descriptor.Load(args[0])
		default:
			return errors.New("a descriptor file or --archetype is required")
		}
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		registered, err := a.Schemas().Register(cmd.Context(), d)
		if err != nil {
			return err
		}
		return api.Output(registered)
	},
}

var schemaShowVersion int

var schemaShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show the active (or a given) version of a schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var d *descriptor.Descriptor
		if schemaShowVersion > 0 {
			d, err = a.Schemas().Get(cmd.Context(), args[0], schemaShowVersion)
		} else {
			d, err = a.Schemas().GetActive(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		return api.Output(d)
	},
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.Schemas().Names(cmd.Context())
		if err != nil {
			return err
		}
		var list []descriptor.Analysis
		t := api.NewTable("SCHEMA", "VERSION", "FIELDS", "REQUIRED")
		for _, name := range names {
			d, err := a.Schemas().GetActive(cmd.Context(), name)
			if err != nil {
				return err
			}
			an := descriptor.Analyze(d)
			list = append(list, an)
			t.Row(name, "v"+strconv.Itoa(d.Version), an.TotalFields, an.RequiredFields)
		}
		return api.OutputWithTable(list, t)
	},
}

var schemaHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "List every version of a schema, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.Schemas().History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		t := api.NewTable("VERSION", "PARENT", "FIELDS", "CREATED")
		for _, d := range versions {
			parent := "-"
			if d.ParentVersion > 0 {
				parent = "v" + strconv.Itoa(d.ParentVersion)
			}
			t.Row("v"+strconv.Itoa(d.Version), parent, len(d.Fields), d.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return api.OutputWithTable(versions, t)
	},
}

var schemaRollbackCmd = &cobra.Command{
	Use:   "rollback <name> <version>",
	Short: "Make an earlier version's fields active again as a new version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.Schemas().Rollback(cmd.Context(), args[0], version)
		if err != nil {
			return err
		}
		return api.Output(d)
	},
}

var schemaAnalyzeArchetype string

var schemaAnalyzeCmd = &cobra.Command{
	Use:   "analyze [name]",
	Short: "Summarize a schema's fields and estimated output size",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if schemaAnalyzeArchetype != "" {
			d, err := descriptor.Archetype(schemaAnalyzeArchetype)
			if err != nil {
				return err
			}
			return api.Output(descriptor.Analyze(d))
		}
		if len(args) == 0 {
			return errors.New("a schema name or --archetype is required")
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.Schemas().GetActive(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return api.Output(descriptor.Analyze(d))
	},
}

var schemaArchetypesCmd = &cobra.Command{
	Use:   "archetypes",
	Short: "List the built-in starter schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		return api.Output(descriptor.Archetypes())
	},
}

func init() {
	schemaRegisterCmd.Flags().StringVar(&schemaArchetype, "archetype", "", "Register a built-in starter schema")
	schemaShowCmd.Flags().IntVar(&schemaShowVersion, "version", 0, "Show this version instead of the active one")
	schemaAnalyzeCmd.Flags().StringVar(&schemaAnalyzeArchetype, "archetype", "", "Analyze a built-in starter schema")

	schemaCmd.AddCommand(schemaRegisterCmd)
	schemaCmd.AddCommand(schemaShowCmd)
	schemaCmd.AddCommand(schemaListCmd)
	schemaCmd.AddCommand(schemaHistoryCmd)
	schemaCmd.AddCommand(schemaRollbackCmd)
	schemaCmd.AddCommand(schemaAnalyzeCmd)
	schemaCmd.AddCommand(schemaArchetypesCmd)
	rootCmd.AddCommand(schemaCmd)
}
