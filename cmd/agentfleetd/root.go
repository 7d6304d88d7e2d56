package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/agentfleet/internal/config"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "agentfleetd",
		Short:         "Distributed coordination daemon for agent fleets",
		Long:          "agentfleetd runs a fleet replica: it claims and executes agent tasks, routes delegations between agents and keeps session state in sync with the other replicas sharing its broker.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./agentfleet.yaml)")

	load := func() (config.Config, error) {
		return config.Load(v, configPath)
	}

	rootCmd.AddCommand(
		newServeCmd(v, load),
		newConfigCmd(load),
		newVersionCmd(),
	)
	return rootCmd
}

func newConfigCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cfg.Model.APIKey = redact(cfg.Model.APIKey)
			cfg.Redis.URL = redactURL(cfg.Redis.URL)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}
