package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/circlerelay/proxybot/internal/config"
)

var (
	configPath string
	noColor    bool

	// Resolved in PersistentPreRunE for commands that need configuration.
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
)

// skipConfig lists commands that run without loading configuration.
var skipConfig = map[string]bool{
	"version":    true,
	"init":       true,
	"help":       true,
	"completion": true,
}

// flagKeys maps config keys to the flags that override them, on whichever
// command defines the flag.
var flagKeys = map[string]string{
	"storage.dir":     "data-dir",
	"storage.backend": "backend",
	"log.level":       "log-level",
	"log.format":      "log-format",
	"transport":       "transport",
	"health.port":     "health-port",
	"nats.url":        "nats-url",
}

var rootCmd = &cobra.Command{
	Use:   "proxybot",
	Short: "Relay messages between requesters and circle delegates",
	Long: `proxybot is a chat bot that lets anyone reach the delegate of a circle
without knowing who that delegate is.

Requesters send /talkto <circle> <message>; the bot forwards it to the
circle's delegate, who answers with /resp @<requester> <message>. Admins
appoint delegates with /onboard and remove them with /deboard.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if noColor {
			disableColor()
		}
		if skipConfig[cmd.Name()] {
			logger = newLogger(os.Stderr, "info", "text")
			return nil
		}
		v = config.NewViper()
		for key, name := range flagKeys {
			f := cmd.Flags().Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", name, err)
			}
		}
		var err error
		cfg, err = config.Load(v, configPath)
		if err != nil {
			return err
		}
		logger = newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if cfg.File != "" {
			logger.Debug("loaded config", "file", cfg.File)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (default: proxybot.yaml or conf.json in the working directory)")
	pf.String("data-dir", "", "Directory holding the store and lock (or "+config.EnvVar("storage.dir")+")")
	pf.String("backend", "", "Store backend: json or sqlite (or "+config.EnvVar("storage.backend")+")")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text or json")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
