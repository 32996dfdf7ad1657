package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/circlerelay/proxybot/internal/lockfile"
	"github.com/circlerelay/proxybot/internal/storage/export"
	"github.com/circlerelay/proxybot/internal/types"
)

var importFormat string

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace all directories from an exported document",
	Long: `Replaces the relay, pending and requester directories with the contents
of FILE, as written by export. The format comes from the file extension
unless --format is given.

import takes the instance lock, so it refuses to run while a bot is
serving from the same data directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		format, err := export.FormatFromPath(path)
		if importFormat != "" {
			format, err = export.ParseFormat(importFormat)
		}
		if err != nil {
			return err
		}

		f, err := os.Open(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return err
		}
		snap, err := export.Decode(f, format)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		lock, err := lockfile.Acquire(cfg.Storage.Dir, lockfile.LockInfo{Command: "import", Version: Version})
		if err != nil {
			return fmt.Errorf("cannot import while the store is in use: %w", err)
		}
		defer func() { _ = lock.Release() }()

		dir, store, err := openDirectory(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		before := dir.Counts()
		if err := dir.Replace(cmd.Context(), snap); err != nil {
			return err
		}
		after := dir.Counts()
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %s into %s store at %s\n", path, cfg.Storage.Backend, cfg.Storage.Dir)
		for _, c := range types.AllCollections {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %d -> %d\n", c, before[c], after[c])
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVarP(&importFormat, "format", "f", "", "Document format: json, yaml, toml (default from extension)")
	rootCmd.AddCommand(importCmd)
}
