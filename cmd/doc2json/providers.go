package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataFenix-Ltd/doc2json/internal/api"
	"github.com/DataFenix-Ltd/doc2json/internal/providers"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect configured LLM providers",
}

// providerInfo is one row of `providers list`.
type providerInfo struct {
	Name         string                 `json:"name" yaml:"name"`
	Type         string                 `json:"type" yaml:"type"`
	Model        string                 `json:"model" yaml:"model"`
	Default      bool                   `json:"default" yaml:"default"`
	Capabilities providers.Capabilities `json:"capabilities" yaml:"capabilities"`
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled providers and their negotiated capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.Providers()
		if err != nil {
			return err
		}
		cfg := a.Config()
		var list []providerInfo
		for _, name := range reg.List() {
			adapter, err := reg.Get(name)
			if err != nil {
				continue
			}
			pc, _ := cfg.GetLLMProvider(name)
			list = append(list, providerInfo{
				Name:         name,
				Type:         pc.Type,
				Model:        pc.Model,
				Default:      name == cfg.Defaults.LLMProvider,
				Capabilities: adapter.Capabilities(),
			})
		}
		t := api.NewTable("PROVIDER", "TYPE", "MODEL", "DEFAULT")
		for _, p := range list {
			def := ""
			if p.Default {
				def = "*"
			}
			t.Row(p.Name, p.Type, p.Model, def)
		}
		return api.OutputWithTable(list, t)
	},
}

var (
	checkAttempts uint
	checkDelay    time.Duration
)

var providersCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every enabled provider with a minimal request",
	Long: `Send a tiny request to each enabled provider to verify credentials and
reachability. Transient failures are retried. An authentication failure
exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.Providers()
		if err != nil {
			return err
		}
		results, authErr := reg.CheckAll(cmd.Context(), checkAttempts, checkDelay)
		t := api.NewTable("PROVIDER", "STATUS", "LATENCY", "ATTEMPTS")
		for _, r := range results {
			status := "ok"
			if !r.OK {
				status = string(r.Kind)
				if status == "" {
					status = "error"
				}
			}
			t.Row(r.Provider, status, fmt.Sprintf("%dms", r.Latency.Milliseconds()), r.Attempts)
		}
		if err := api.OutputWithTable(results, t); err != nil {
			return err
		}
		return authErr
	},
}

func init() {
	providersCheckCmd.Flags().UintVar(&checkAttempts, "attempts", 3, "Attempts per provider for transient failures")
	providersCheckCmd.Flags().DurationVar(&checkDelay, "delay", time.Second, "Delay between attempts")

	providersCmd.AddCommand(providersListCmd)
	providersCmd.AddCommand(providersCheckCmd)
	rootCmd.AddCommand(providersCmd)
}
