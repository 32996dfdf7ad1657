// Package eventbus fans relay events out to local handlers and, when
// connected, to a NATS JetStream stream for outside consumers.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"
)

// Bus dispatches events to registered handlers and optionally publishes
// them to JetStream. A publish failure never fails the dispatch.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex

	js     Publisher
	prefix string
	log    *slog.Logger
}

// Publisher is the part of nats.JetStreamContext the bus uses.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// New creates a new event bus. A nil logger discards.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{prefix: DefaultSubjectPrefix, log: log.With("component", "eventbus")}
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each Dispatch call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// SetJetStream enables publishing under prefix. A nil js disables it.
func (b *Bus) SetJetStream(js Publisher, prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.js = js
	b.prefix = normalizePrefix(prefix)
}

// JetStreamEnabled reports whether events are published to JetStream.
func (b *Bus) JetStreamEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.js != nil
}

// Dispatch sends an event to all registered handlers that handle its type,
// then publishes it to JetStream if enabled.
// Handler errors are logged but do not stop the chain.
func (b *Bus) Dispatch(ctx context.Context, event *Event) (*Result, error) {
	if event == nil {
		return nil, fmt.Errorf("eventbus: nil event")
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	js, prefix := b.js, b.prefix
	b.mu.RUnlock()

	result := &Result{}

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("eventbus: context cancelled: %w", err)
		}

		if err := h.Handle(ctx, event, result); err != nil {
			b.log.Warn("handler failed", "handler", h.ID(), "event", event.Type, "error", err)
			result.Errors = append(result.Errors, h.ID())
		}
	}

	if js != nil {
		data, err := json.Marshal(event)
		if err != nil {
			return result, fmt.Errorf("eventbus: marshal %s: %w", event.Type, err)
		}
		if _, err := js.Publish(SubjectForEvent(prefix, event.Type), data, nats.Context(ctx)); err != nil {
			b.log.Warn("jetstream publish failed", "event", event.Type, "error", err)
		} else {
			result.Published = true
		}
	}

	return result, nil
}

// Handlers returns all registered handlers (for introspection/status reporting).
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers that handle the given event type, sorted
// by priority (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
