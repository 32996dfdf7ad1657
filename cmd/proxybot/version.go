package main

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is the current version of proxybot (overridden by ldflags at build time)
	Version = "0.3.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
	// Commit is the git revision the binary was built from (optional ldflag)
	Commit = ""
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		commit := resolveCommitHash()
		if versionJSON {
			result := map[string]string{
				"version": Version,
				"build":   Build,
				"go":      runtime.Version(),
			}
			if commit != "" {
				result["commit"] = commit
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}
		if commit != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "proxybot version %s (%s: %s)\n", Version, Build, shortCommit(commit))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "proxybot version %s (%s)\n", Version, Build)
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(versionCmd)
}

func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return ""
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
