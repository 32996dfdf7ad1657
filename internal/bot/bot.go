// Package bot turns inbound chat messages into relay operations and
// delivers the replies and notifications they produce.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/circlerelay/proxybot/internal/command"
	"github.com/circlerelay/proxybot/internal/directory"
	"github.com/circlerelay/proxybot/internal/eventbus"
	"github.com/circlerelay/proxybot/internal/health"
	"github.com/circlerelay/proxybot/internal/relay"
	"github.com/circlerelay/proxybot/internal/telemetry"
	"github.com/circlerelay/proxybot/internal/types"
)

// Event is one inbound message.
type Event struct {
	From       types.Identity
	Text       string
	ReceivedAt time.Time
}

// Notifier sends a text message to a chat.
type Notifier interface {
	Send(ctx context.Context, to types.ChatID, text string) error
}

// Transport connects the bot to a chat network.
//
// Listen blocks until ctx is done or the connection fails for good. It
// calls handle for one event at a time and waits for it to return before
// passing the next one.
type Transport interface {
	Notifier
	Listen(ctx context.Context, handle func(context.Context, Event)) error
	Name() string
}

// errUndelivered marks a command whose state change was committed but whose
// notifications did not all reach their recipients.
var errUndelivered = errors.New("notifications undelivered")

// DefaultFlushTimeout bounds the shutdown flush.
const DefaultFlushTimeout = 5 * time.Second

// Options configures a Bot. Workflow and Directory are required.
type Options struct {
	Workflow  *relay.Workflow
	Directory *directory.Directory
	// Sender delivers replies and notifications. Defaults to the transport
	// passed to Run.
	Sender       Notifier
	Bus          *eventbus.Bus
	Metrics      *telemetry.BotMetrics
	Health       *health.State
	Log          *slog.Logger
	FlushTimeout time.Duration
}

// Bot dispatches parsed commands to the workflow.
type Bot struct {
	wf           *relay.Workflow
	dir          *directory.Directory
	sender       Notifier
	bus          *eventbus.Bus
	metrics      *telemetry.BotMetrics
	health       *health.State
	log          *slog.Logger
	flushTimeout time.Duration
	transport    string
}

// New creates a bot.
func New(opts Options) *Bot {
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.Health == nil {
		opts.Health = &health.State{}
	}
	return &Bot{
		wf:           opts.Workflow,
		dir:          opts.Directory,
		sender:       opts.Sender,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		health:       opts.Health,
		log:          opts.Log.With("component", "bot"),
		flushTimeout: opts.FlushTimeout,
	}
}

// Run handles events from t until its Listen returns, then flushes all
// directories with a fresh timeout. A cancelled ctx is a clean shutdown.
func (b *Bot) Run(ctx context.Context, t Transport) error {
	if b.sender == nil {
		b.sender = t
	}
	b.transport = t.Name()
	b.health.SetReady(true)
	b.log.Info("listening", "transport", t.Name())

	err := t.Listen(ctx, b.Handle)
	b.health.SetReady(false)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), b.flushTimeout)
	defer cancel()
	if ferr := b.dir.FlushAll(flushCtx); ferr != nil {
		b.log.Error("shutdown flush failed", "error", ferr)
		err = errors.Join(err, ferr)
	} else {
		b.log.Info("directories flushed")
	}
	return err
}

// Handle processes one inbound event to completion.
func (b *Bot) Handle(ctx context.Context, ev Event) {
	start := time.Now()
	cmd, err := command.Parse(ev.Text)
	name := string(cmd.Name)
	if err == nil {
		err = b.dispatch(ctx, ev, cmd)
	} else {
		name = "none"
		b.replyParseError(ctx, ev, err)
	}
	b.metrics.Command(ctx, name, outcome(err), time.Since(start))
}

func (b *Bot) replyParseError(ctx context.Context, ev Event, err error) {
	if errors.Is(err, command.ErrMalformed) {
		b.reply(ctx, ev, errorText(err))
		return
	}
	b.log.Debug("unrecognized message", "from", ev.From.Username, "error", err)
	b.reply(ctx, ev, unrecognizedText(b.wf.Index()))
}

func (b *Bot) dispatch(ctx context.Context, ev Event, cmd command.Command) error {
	from := ev.From
	var err error
	switch cmd.Name {
	case command.Start:
		b.reply(ctx, ev, welcomeText)

	case command.Ping:
		b.reply(ctx, ev, pingText(b.wf.Status(from)))

	case command.Index:
		b.reply(ctx, ev, indexText(b.wf.Index()))

	case command.Talkto:
		var res relay.RelayResult
		res, err = b.wf.Relay(ctx, from, cmd.Circle, cmd.Message)
		if err == nil {
			b.publish(ctx, eventbus.EventRelayed, from.Username, res.Delegate.Username, cmd.Circle)
			if derr := b.deliver(ctx, res.Notifications); derr != nil {
				b.reply(ctx, ev, undeliveredText(derr))
				return fmt.Errorf("%w: %w", errUndelivered, derr)
			}
			b.reply(ctx, ev, relayReceiptText(cmd.Circle))
		}

	case command.Resp:
		var res relay.RespondResult
		res, err = b.wf.Respond(ctx, from, cmd.Username, cmd.Message)
		if err == nil {
			b.publish(ctx, eventbus.EventResponded, from.Username, res.Requester.Username)
			if derr := b.deliver(ctx, res.Notifications); derr != nil {
				b.reply(ctx, ev, undeliveredText(derr))
				return fmt.Errorf("%w: %w", errUndelivered, derr)
			}
			b.reply(ctx, ev, respondReceiptText(res.Requester.Username))
		}

	case command.Onboard:
		var res relay.OnboardResult
		res, err = b.wf.Onboard(ctx, from, cmd.Username, cmd.Circle, cmd.Secret)
		if err == nil {
			b.publish(ctx, eventbus.EventOnboarded, from.Username, res.Target, res.Circle)
			b.reply(ctx, ev, onboardText(res))
		}

	case command.Deboard:
		var res relay.DeboardResult
		res, err = b.wf.Deboard(ctx, from, cmd.Username, cmd.Secret)
		if err == nil {
			b.publish(ctx, eventbus.EventDeboarded, from.Username, res.Target, res.Unbound...)
			b.reply(ctx, ev, deboardText(res))
		}

	case command.Onboardme:
		var res relay.ConfirmResult
		res, err = b.wf.Confirm(ctx, from)
		if err == nil {
			b.publish(ctx, eventbus.EventConfirmed, res.Delegate.Username, "", res.Circles...)
			b.reply(ctx, ev, confirmText(res.Circles))
			if derr := b.deliver(ctx, res.Notifications); derr != nil {
				b.log.Warn("admin notification failed", "error", derr)
				return fmt.Errorf("%w: %w", errUndelivered, derr)
			}
		}

	case command.Dump:
		b.dump(ctx)
	}

	if err != nil {
		b.fail(ctx, ev, cmd, err)
	}
	return err
}

// fail reports err to the sender. Only recoverable errors are described;
// anything else is logged and reported as an internal failure.
func (b *Bot) fail(ctx context.Context, ev Event, cmd command.Command, err error) {
	if relay.IsRecoverable(err) {
		b.log.Info("command rejected", "command", cmd.Name, "from", ev.From.Username, "reason", err)
		b.publishRejected(ctx, ev, cmd, err)
	} else {
		b.log.Error("command failed", "command", cmd.Name, "from", ev.From.Username, "error", err)
	}
	text := errorText(err)
	if errors.Is(err, relay.ErrUnknownCircle) {
		text += "\n" + indexText(b.wf.Index())
	}
	b.reply(ctx, ev, text)
}

func (b *Bot) reply(ctx context.Context, ev Event, text string) {
	if ev.From.ChatID.IsZero() {
		return
	}
	err := b.sender.Send(ctx, ev.From.ChatID, text)
	b.metrics.Sent(ctx, "reply", err)
	if err != nil {
		b.log.Warn("reply failed", "to", ev.From.ChatID, "error", err)
	}
}

// deliver sends every notification and joins the failures.
func (b *Bot) deliver(ctx context.Context, notes []relay.Notification) error {
	var errs []error
	for _, n := range notes {
		err := b.sender.Send(ctx, n.To, n.Text)
		b.metrics.Sent(ctx, "notification", err)
		if err != nil {
			b.log.Warn("notification failed", "to", n.To, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) publish(ctx context.Context, typ eventbus.EventType, actor, target string, circles ...string) {
	if b.bus == nil {
		return
	}
	_, err := b.bus.Dispatch(ctx, &eventbus.Event{
		Type:      typ,
		At:        time.Now().UTC(),
		Transport: b.transport,
		Actor:     types.NormalizeUsername(actor),
		Target:    target,
		Circles:   circles,
	})
	if err != nil {
		b.log.Warn("publish failed", "event", typ, "error", err)
	}
}

func (b *Bot) publishRejected(ctx context.Context, ev Event, cmd command.Command, err error) {
	if b.bus == nil {
		return
	}
	_, _ = b.bus.Dispatch(ctx, &eventbus.Event{
		Type:      eventbus.EventRejected,
		At:        time.Now().UTC(),
		Transport: b.transport,
		Actor:     types.NormalizeUsername(ev.From.Username),
		Command:   string(cmd.Name),
		Error:     outcome(err),
	})
}

// dump writes the three directories to the log.
func (b *Bot) dump(ctx context.Context) {
	snap := b.wf.Snapshot()
	b.log.LogAttrs(ctx, slog.LevelInfo, "directory dump",
		slog.Any("relays", snap.Relays),
		slog.Any("pending", snap.Pending),
		slog.Any("requesters", snap.Requesters),
	)
}
