package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/circlerelay/proxybot/internal/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a commented config template",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultFile
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteTemplate(path, configInitForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if cfg.File != "" {
			fmt.Fprintf(out, "# from %s\n", cfg.File)
		}
		for _, kv := range cfg.Redacted() {
			fmt.Fprintf(out, "%-20s %s\n", kv[0], kv[1])
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
