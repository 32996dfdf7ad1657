package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/circlerelay/proxybot/internal/bot"
	"github.com/circlerelay/proxybot/internal/config"
	"github.com/circlerelay/proxybot/internal/eventbus"
	"github.com/circlerelay/proxybot/internal/health"
	"github.com/circlerelay/proxybot/internal/lockfile"
	"github.com/circlerelay/proxybot/internal/notify"
	"github.com/circlerelay/proxybot/internal/relay"
	"github.com/circlerelay/proxybot/internal/telemetry"
	"github.com/circlerelay/proxybot/internal/transport/slack"
	"github.com/circlerelay/proxybot/internal/transport/telegram"
)

var runDebug bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the chat platform and serve commands",
	Long: `Runs the bot in the foreground until SIGINT or SIGTERM.

The bot holds <data-dir>/proxybot.lock while running, serves /healthz and
/readyz on health.port, publishes relay events to NATS JetStream when
nats.url is set, and reloads the admin list when the config file changes.
All directories are flushed once more on shutdown.`,
	RunE: runBot,
}

func init() {
	f := runCmd.Flags()
	f.String("transport", "", "Chat platform: telegram or slack")
	f.Int("health-port", 0, "Health check HTTP port, 0 disables (default 8080)")
	f.String("nats-url", "", "NATS URL for the event stream (or "+config.EnvVar("nats.url")+")")
	f.BoolVar(&runDebug, "debug", false, "Enable transport client debug output")
	rootCmd.AddCommand(runCmd)
}

func runBot(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lock, err := lockfile.Acquire(cfg.Storage.Dir, lockfile.LockInfo{
		Command:   "run",
		Transport: cfg.Transport,
		Version:   Version,
	})
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := telemetry.Init(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Stdout:   cfg.Telemetry.Stdout,
		Endpoint: cfg.Telemetry.Endpoint,
	}, "proxybot", Version); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	dir, store, err := openDirectory(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	state := &health.State{}
	transport, err := newTransport(state)
	if err != nil {
		return err
	}

	wf := relay.New(dir, cfg.OnboardKey, relay.NewAdmins(cfg.Admins), logger)
	bus := eventbus.New(logger)
	bus.Register(&eventbus.LogHandler{Log: logger})
	b := bot.New(bot.Options{
		Workflow:  wf,
		Directory: dir,
		Sender:    notify.NewRetrying(transport, cfg.Send.MaxElapsed, logger),
		Bus:       bus,
		Metrics:   telemetry.NewBotMetrics(),
		Health:    state,
		Log:       logger,
	})

	logger.Info("starting proxybot",
		"version", Version,
		"transport", transport.Name(),
		"store", cfg.Storage.Backend,
		"data_dir", cfg.Storage.Dir,
		"admins", len(cfg.Admins),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx, transport)
	})
	if cfg.Health.Port > 0 {
		srv := health.NewServer(state, ":"+strconv.Itoa(cfg.Health.Port), logger)
		g.Go(func() error { return srv.Start(gctx) })
	}
	if nc := (eventbus.NATSConfig{URL: cfg.NATS.URL, Token: cfg.NATS.Token, SubjectPrefix: cfg.NATS.SubjectPrefix}); nc.Enabled() {
		g.Go(func() error { return ignoreCanceled(bus.RunNATS(gctx, nc)) })
	}
	if cfg.File != "" {
		file := cfg.File
		g.Go(func() error {
			return config.Watch(gctx, file, config.DefaultDebounce, logger, func() { reloadAdmins(file, wf) })
		})
	}

	err = g.Wait()
	logger.Info("proxybot stopped")
	return err
}

func newTransport(state *health.State) (bot.Transport, error) {
	switch cfg.Transport {
	case config.TransportSlack:
		return slack.New(slack.Config{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
			Debug:    runDebug,
			Health:   state,
			Log:      logger,
		})
	default:
		return telegram.New(telegram.Config{
			Token:  cfg.BotToken,
			Debug:  runDebug,
			Health: state,
			Log:    logger,
		})
	}
}

// reloadAdmins swaps in the admin list from the edited config file. Other
// settings need a restart.
func reloadAdmins(file string, wf *relay.Workflow) {
	next, err := config.LoadFile(file)
	if err != nil {
		logger.Warn("config reload failed, keeping current admins", "file", file, "error", err)
		return
	}
	admins := relay.NewAdmins(next.Admins)
	wf.SetAdmins(admins)
	logger.Info("reloaded admins", "file", file, "admins", admins.Usernames())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
