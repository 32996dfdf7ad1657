package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/circlerelay/proxybot/internal/lockfile"
	"github.com/circlerelay/proxybot/internal/ui"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and the store",
	Long: `Validates the configuration, loads every directory from the store and
reports whether a bot currently holds the data directory. Exits non-zero if
the bot could not start with this setup.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		failed := false

		source := cfg.File
		if source == "" {
			source = "environment and defaults only"
		}
		if err := cfg.Validate(); err != nil {
			failed = true
			printStatus(out, ui.StatusFail, "config", source)
			fmt.Fprintf(out, "%s%s%v\n", ui.TreeIndent, ui.TreeLast, err)
		} else {
			printStatus(out, ui.StatusPass, "config", fmt.Sprintf("%s (transport %s, %d admins)", source, cfg.Transport, len(cfg.Admins)))
		}

		held, info, err := lockfile.Held(cfg.Storage.Dir)
		switch {
		case err != nil:
			printStatus(out, ui.StatusWarn, "lock", err.Error())
		case held && info.Stale():
			printStatus(out, ui.StatusWarn, "lock", fmt.Sprintf("held, but recorded pid %d is not running", info.PID))
		case held && info != nil:
			printStatus(out, ui.StatusWarn, "lock", fmt.Sprintf("held by pid %d (%s since %s)",
				info.PID, info.Command, info.StartedAt.Local().Format(time.DateTime)))
		case held:
			printStatus(out, ui.StatusWarn, "lock", "held by another process")
		default:
			detail := "free"
			if prev, _ := lockfile.ReadLockInfo(cfg.Storage.Dir); prev.Stale() {
				detail = fmt.Sprintf("free (pid %d exited without releasing it; check the last shutdown flush)", prev.PID)
			}
			printStatus(out, ui.StatusPass, "lock", detail)
		}

		snap, err := loadSnapshot(cmd)
		if err != nil {
			failed = true
			printStatus(out, ui.StatusFail, "store", err.Error())
		} else {
			printStatus(out, ui.StatusPass, "store", fmt.Sprintf("%s in %s: %d relays, %d pending, %d requesters",
				cfg.Storage.Backend, cfg.Storage.Dir, len(snap.Relays), len(snap.Pending), len(snap.Requesters)))
		}

		if failed {
			return &exitError{code: 2, err: fmt.Errorf("check failed")}
		}
		return nil
	},
}

func printStatus(w io.Writer, s ui.Status, name, detail string) {
	fmt.Fprintln(w, ui.RenderStatus(s, name, detail))
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
