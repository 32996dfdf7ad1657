package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/storage/export"
	"github.com/circlerelay/proxybot/internal/ui"
)

var (
	dumpFormat  string
	dumpNoPager bool

	exportFormat string
	exportOut    string
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the relay, pending and requester directories",
	Long: `Prints the three directories from the store. The default text format is
meant for people; json, yaml and toml print the same document as export.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		snap, err := loadSnapshot(cmd)
		if err != nil {
			return err
		}
		if dumpFormat == "" || dumpFormat == "text" {
			var buf bytes.Buffer
			if err := ui.RenderDirectory(&buf, snap); err != nil {
				return err
			}
			return ui.Page(cmd.OutOrStdout(), buf.String(), ui.PagerOptions{NoPager: dumpNoPager})
		}
		format, err := export.ParseFormat(dumpFormat)
		if err != nil {
			return err
		}
		return export.Encode(cmd.OutOrStdout(), snap, format)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the directories to a portable document",
	Long: `Writes all three directories as one JSON, YAML or TOML document, for
backups or for moving between the json and sqlite backends with import.

The format defaults to the --out extension, or json on stdout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := exportFormatFor(exportFormat, exportOut)
		if err != nil {
			return err
		}
		snap, err := loadSnapshot(cmd)
		if err != nil {
			return err
		}
		if exportOut == "" {
			return export.Encode(cmd.OutOrStdout(), snap, format)
		}
		if err := writeFileAtomic(exportOut, func(w io.Writer) error {
			return export.Encode(w, snap, format)
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d relays, %d pending, %d requesters to %s\n",
			len(snap.Relays), len(snap.Pending), len(snap.Requesters), exportOut)
		return nil
	},
}

func init() {
	dumpCmd.Flags().StringVarP(&dumpFormat, "format", "f", "text", "Output format: text, json, yaml, toml")
	dumpCmd.Flags().BoolVar(&dumpNoPager, "no-pager", false, "Do not pipe text output through a pager")
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "Document format: json, yaml, toml")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(dumpCmd, exportCmd)
}

// loadSnapshot reads the store without taking the instance lock. Backends
// write whole files or transactions, so a running bot never exposes a torn
// collection.
func loadSnapshot(cmd *cobra.Command) (*storage.Snapshot, error) {
	store, err := openStore(cmd.Context())
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	return store.Load(cmd.Context())
}

func exportFormatFor(flag, out string) (export.Format, error) {
	if flag != "" {
		return export.ParseFormat(flag)
	}
	if out != "" {
		return export.FormatFromPath(out)
	}
	return export.FormatJSON, nil
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
