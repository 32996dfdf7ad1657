// Package telegram connects the bot to Telegram through long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/circlerelay/proxybot/internal/bot"
	"github.com/circlerelay/proxybot/internal/health"
	"github.com/circlerelay/proxybot/internal/notify"
	"github.com/circlerelay/proxybot/internal/types"
)

// Name is the transport name used in config and logs.
const Name = "telegram"

// ErrUpdatesClosed is returned by Listen when the update channel closes
// before ctx is done.
var ErrUpdatesClosed = errors.New("telegram: update channel closed")

// botAPI abstracts the subset of tgbotapi.BotAPI methods used by the
// transport, so tests can substitute a fake.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Config holds the Telegram connection settings.
type Config struct {
	Token       string
	PollTimeout int // long polling timeout in seconds
	Debug       bool
	Health      *health.State
	Log         *slog.Logger
}

// Transport receives messages from and sends messages to Telegram chats.
type Transport struct {
	api         botAPI
	self        string // bot username, without "@"
	pollTimeout int
	health      *health.State
	log         *slog.Logger
}

var _ bot.Transport = (*Transport)(nil)

// New authenticates with the bot token.
func New(cfg Config) (*Transport, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: 90 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram: authenticate: %w", err)
	}
	api.Debug = cfg.Debug
	t := newTransport(api, cfg)
	t.self = api.Self.UserName
	t.log.Info("authorized", "bot", api.Self.UserName)
	return t, nil
}

func newTransport(api botAPI, cfg Config) *Transport {
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Health == nil {
		cfg.Health = &health.State{}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	return &Transport{
		api:         api,
		pollTimeout: cfg.PollTimeout,
		health:      cfg.Health,
		log:         cfg.Log.With("component", "telegram"),
	}
}

func (t *Transport) Name() string { return Name }

// Listen long-polls for updates and hands each text message to handle.
func (t *Transport) Listen(ctx context.Context, handle func(context.Context, bot.Event)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.pollTimeout
	updates := t.api.GetUpdatesChan(u)
	t.health.SetConnected(true)
	defer func() {
		t.api.StopReceivingUpdates()
		t.health.SetConnected(false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return ErrUpdatesClosed
			}
			ev, ok := toEvent(upd)
			if !ok {
				continue
			}
			if t.addressedElsewhere(ev.Text) {
				t.log.Debug("skipping command for another bot", "text", firstWord(ev.Text))
				continue
			}
			handle(ctx, ev)
		}
	}
}

// addressedElsewhere reports whether text is a group command such as
// "/talkto@otherbot" naming a bot other than this one.
func (t *Transport) addressedElsewhere(text string) bool {
	word := firstWord(text)
	if !strings.HasPrefix(word, "/") {
		return false
	}
	_, target, ok := strings.Cut(word, "@")
	if !ok || t.self == "" {
		return false
	}
	return !strings.EqualFold(target, t.self)
}

func firstWord(text string) string {
	if f := strings.Fields(text); len(f) > 0 {
		return f[0]
	}
	return ""
}

// toEvent extracts a bot event from a text message update.
func toEvent(upd tgbotapi.Update) (bot.Event, bool) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.Text == "" {
		return bot.Event{}, false
	}
	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	return bot.Event{
		From: types.Identity{
			Username:    msg.From.UserName,
			DisplayName: name,
			ChatID:      types.ChatID(strconv.FormatInt(msg.Chat.ID, 10)),
		},
		Text:       msg.Text,
		ReceivedAt: msg.Time(),
	}, true
}

// Send posts text to a chat. Failures retrying cannot fix wrap
// notify.ErrUndeliverable.
func (t *Transport) Send(ctx context.Context, to types.ChatID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(to.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q: %w", to, notify.ErrUndeliverable)
	}
	msg := tgbotapi.NewMessage(id, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return classify(err)
	}
	return nil
}

// classify marks client errors as undeliverable. Rate limits and server
// errors stay retryable.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return fmt.Errorf("telegram: %w: %w", notify.ErrUndeliverable, err)
	}
	return fmt.Errorf("telegram: %w", err)
}
