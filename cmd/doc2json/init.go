package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/config"
	"github.com/DataFenix-Ltd/doc2json/internal/descriptor"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the doc2json home directory and a starter config",
	Long: `Create the home directory layout (schemas/, outputs/, logs/), a default
config.yaml and the invoice starter schema it references.

Existing files are kept unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := loadHome()
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if h.ConfigExists() && !initForce {
			fmt.Fprintf(out, "Config exists: %s\n", h.ConfigPath())
		} else {
			if err := config.WriteDefault(h.ConfigPath()); err != nil {
				return err
			}
			fmt.Fprintf(out, "Wrote config:  %s\n", h.ConfigPath())
		}

		schemaPath := h.SchemaPath("invoice")
		if _, err := os.Stat(schemaPath); err == nil && !initForce {
			fmt.Fprintf(out, "Schema exists: %s\n", schemaPath)
			return nil
		}
		d, err := descriptor.Archetype("invoice")
		if err != nil {
			return err
		}
		data, err := descriptor.Marshal(d)
		if err != nil {
			return err
		}
		if err := os.WriteFile(schemaPath, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote schema:  %s\n", schemaPath)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config and starter schema")
	rootCmd.AddCommand(initCmd)
}
