package eventbus

import (
	"context"
	"log/slog"
)

// Handler processes events on the bus. Handlers are called in priority order
// (lower priority value = called earlier) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single event and may modify the aggregated result.
	// Returning an error logs a warning but does not stop the handler chain.
	Handle(ctx context.Context, event *Event, result *Result) error
}

// LogHandler writes every event to a logger at debug level.
type LogHandler struct {
	Log *slog.Logger
}

func (h *LogHandler) ID() string           { return "log" }
func (h *LogHandler) Handles() []EventType { return AllEventTypes }
func (h *LogHandler) Priority() int        { return 0 }

func (h *LogHandler) Handle(ctx context.Context, event *Event, _ *Result) error {
	h.Log.LogAttrs(ctx, slog.LevelDebug, "relay event",
		slog.String("type", string(event.Type)),
		slog.String("actor", event.Actor),
		slog.String("target", event.Target),
		slog.Any("circles", event.Circles),
	)
	return nil
}
