// Package notify delivers outbound chat messages with retries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/circlerelay/proxybot/internal/types"
)

// ErrUndeliverable marks a send failure that retrying cannot fix, such as
// a recipient who blocked the bot. Transports wrap it.
var ErrUndeliverable = errors.New("undeliverable")

// Notifier sends a text message to a chat.
type Notifier interface {
	Send(ctx context.Context, to types.ChatID, text string) error
}

// DefaultMaxElapsed bounds the retries of one message.
const DefaultMaxElapsed = 30 * time.Second

// Retrying retries failed sends with exponential backoff.
type Retrying struct {
	next       Notifier
	maxElapsed time.Duration
	initial    time.Duration
	log        *slog.Logger
}

// NewRetrying wraps next. A zero maxElapsed uses DefaultMaxElapsed.
func NewRetrying(next Notifier, maxElapsed time.Duration, log *slog.Logger) *Retrying {
	if maxElapsed <= 0 {
		maxElapsed = DefaultMaxElapsed
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Retrying{
		next:       next,
		maxElapsed: maxElapsed,
		initial:    500 * time.Millisecond,
		log:        log.With("component", "notify"),
	}
}

// Send delivers text to the chat, retrying transient failures until the
// backoff gives up or ctx is done.
func (r *Retrying) Send(ctx context.Context, to types.ChatID, text string) error {
	if to.IsZero() {
		return fmt.Errorf("send: empty chat id: %w", ErrUndeliverable)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.MaxElapsedTime = r.maxElapsed

	attempts := 0
	op := func() error {
		attempts++
		err := r.next.Send(ctx, to, text)
		if errors.Is(err, ErrUndeliverable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("send failed, retrying", "to", to, "attempt", attempts, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("send to %s after %d attempts: %w", to, attempts, err)
	}
	return nil
}
