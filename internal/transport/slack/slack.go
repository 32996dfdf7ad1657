// Package slack connects the bot to Slack using Socket Mode.
//
// Commands arrive either as slash commands (/talkto, /resp, ...) or as
// direct messages to the app, where the leading slash is optional. Replies
// and notifications are posted to the user's DM with the app, so a chat id
// is a Slack user id.
package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/circlerelay/proxybot/internal/bot"
	"github.com/circlerelay/proxybot/internal/health"
	"github.com/circlerelay/proxybot/internal/notify"
	"github.com/circlerelay/proxybot/internal/types"
)

// Name is the transport name used in config and logs.
const Name = "slack"

// Config holds the Slack connection settings.
type Config struct {
	BotToken string // xoxb-... bot token
	AppToken string // xapp-... app-level token for Socket Mode
	Debug    bool
	Health   *health.State
	Log      *slog.Logger
}

// Transport receives commands from and sends messages to Slack users.
type Transport struct {
	client    SlackAPI
	socket    socketClient
	events    <-chan socketmode.Event
	botUserID string
	health    *health.State
	log       *slog.Logger

	usersMu sync.Mutex
	users   map[string]types.Identity // user id -> identity
}

var _ bot.Transport = (*Transport)(nil)

// New creates a Socket Mode transport.
func New(cfg Config) (*Transport, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for Socket Mode")
	}
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, fmt.Errorf("slack: app token must start with xapp-")
	}

	client := slack.New(
		cfg.BotToken,
		slack.OptionDebug(cfg.Debug),
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	socketClient := socketmode.New(
		client,
		socketmode.OptionDebug(cfg.Debug),
	)
	return newTransport(client, socketClient, socketClient.Events, cfg), nil
}

func newTransport(client SlackAPI, socket socketClient, events <-chan socketmode.Event, cfg Config) *Transport {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Health == nil {
		cfg.Health = &health.State{}
	}
	return &Transport{
		client: client,
		socket: socket,
		events: events,
		health: cfg.Health,
		log:    cfg.Log.With("component", "slack"),
		users:  make(map[string]types.Identity),
	}
}

func (t *Transport) Name() string { return Name }

// Listen runs the Socket Mode connection and hands each command to handle,
// one at a time.
func (t *Transport) Listen(ctx context.Context, handle func(context.Context, bot.Event)) error {
	if auth, err := t.client.AuthTest(); err != nil {
		t.log.Warn("failed to get bot user id", "error", err)
	} else {
		t.botUserID = auth.UserID
		t.log.Info("authorized", "bot_user_id", auth.UserID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- t.socket.RunContext(ctx) }()
	defer t.health.SetConnected(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			if err == nil {
				err = errors.New("slack: socket mode connection ended")
			}
			return err
		case evt, ok := <-t.events:
			if !ok {
				return errors.New("slack: event channel closed")
			}
			if ev, ok := t.handleEvent(ctx, evt); ok {
				handle(ctx, ev)
			}
		}
	}
}

// handleEvent acknowledges evt and converts it into a bot event when it
// carries a command.
func (t *Transport) handleEvent(ctx context.Context, evt socketmode.Event) (bot.Event, bool) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		t.log.Info("connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		t.log.Info("connected to Socket Mode")
		t.health.SetConnected(true)

	case socketmode.EventTypeConnectionError:
		t.log.Warn("connection error", "data", evt.Data)
		t.health.SetConnected(false)

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return bot.Event{}, false
		}
		t.ack(evt)
		return t.fromEventsAPI(ctx, apiEvent)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return bot.Event{}, false
		}
		t.ack(evt)
		return bot.Event{
			From:       t.identity(ctx, cmd.UserID, cmd.UserName),
			Text:       unescape(strings.TrimSpace(cmd.Command + " " + cmd.Text)),
			ReceivedAt: time.Now(),
		}, true
	}
	return bot.Event{}, false
}

func (t *Transport) ack(evt socketmode.Event) {
	if evt.Request != nil {
		t.socket.Ack(*evt.Request)
	}
}

// fromEventsAPI accepts direct messages typed by a user.
func (t *Transport) fromEventsAPI(ctx context.Context, e slackevents.EventsAPIEvent) (bot.Event, bool) {
	if e.Type != slackevents.CallbackEvent {
		return bot.Event{}, false
	}
	msg, ok := e.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg.ChannelType != "im" || msg.SubType != "" || msg.BotID != "" {
		return bot.Event{}, false
	}
	if msg.User == "" || msg.User == t.botUserID {
		return bot.Event{}, false
	}
	text := unescape(strings.TrimSpace(msg.Text))
	if text == "" {
		return bot.Event{}, false
	}
	if !strings.HasPrefix(text, "/") {
		text = "/" + text
	}
	return bot.Event{
		From:       t.identity(ctx, msg.User, ""),
		Text:       text,
		ReceivedAt: time.Now(),
	}, true
}

// identity resolves a Slack user id into a handle and display name, with a
// per-process cache.
func (t *Transport) identity(ctx context.Context, userID, fallbackName string) types.Identity {
	t.usersMu.Lock()
	id, ok := t.users[userID]
	t.usersMu.Unlock()
	if ok {
		return id
	}

	id = types.Identity{Username: fallbackName, ChatID: types.ChatID(userID)}
	user, err := t.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		t.log.Warn("user lookup failed", "user_id", userID, "error", err)
		return id
	}
	id.Username = user.Name
	id.DisplayName = user.RealName
	if user.Profile.DisplayName != "" {
		id.DisplayName = user.Profile.DisplayName
	}

	t.usersMu.Lock()
	t.users[userID] = id
	t.usersMu.Unlock()
	return id
}

// Send posts text to the user's DM with the app. Failures retrying cannot
// fix wrap notify.ErrUndeliverable.
func (t *Transport) Send(ctx context.Context, to types.ChatID, text string) error {
	if to.IsZero() {
		return fmt.Errorf("slack: empty user id: %w", notify.ErrUndeliverable)
	}
	_, _, err := t.client.PostMessageContext(ctx, to.String(), slack.MsgOptionText(text, false))
	if err != nil {
		return classify(err)
	}
	return nil
}

var undeliverable = map[string]bool{
	"channel_not_found": true,
	"user_not_found":    true,
	"not_in_channel":    true,
	"is_archived":       true,
	"cannot_dm_bot":     true,
	"msg_too_long":      true,
	"no_text":           true,
	"invalid_auth":      true,
	"account_inactive":  true,
}

func classify(err error) error {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) && undeliverable[se.Err] {
		return fmt.Errorf("slack: %w: %w", notify.ErrUndeliverable, err)
	}
	return fmt.Errorf("slack: %w", err)
}

// unescape reverts Slack's HTML escaping of message text.
func unescape(s string) string {
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&").Replace(s)
}
