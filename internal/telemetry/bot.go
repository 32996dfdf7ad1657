package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const botScopeName = "github.com/circlerelay/proxybot/bot"

// BotMetrics counts handled commands and outbound messages.
type BotMetrics struct {
	commands metric.Int64Counter
	duration metric.Float64Histogram
	sends    metric.Int64Counter
}

// NewBotMetrics creates the bot instruments on the global meter provider.
// With telemetry disabled they record into a no-op provider.
func NewBotMetrics() *BotMetrics {
	return newBotMetrics(Meter(botScopeName))
}

func newBotMetrics(m metric.Meter) *BotMetrics {
	commands, _ := m.Int64Counter("proxybot.commands",
		metric.WithDescription("Inbound commands by name and outcome"),
	)
	duration, _ := m.Float64Histogram("proxybot.command.duration",
		metric.WithDescription("Time to handle one inbound event in milliseconds"),
		metric.WithUnit("ms"),
	)
	sends, _ := m.Int64Counter("proxybot.messages.sent",
		metric.WithDescription("Outbound messages by kind and outcome"),
	)
	return &BotMetrics{commands: commands, duration: duration, sends: sends}
}

// Command records one handled command. outcome is "ok" or an error class.
func (m *BotMetrics) Command(ctx context.Context, name, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("command", name), attribute.String("outcome", outcome))
	m.commands.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(took.Milliseconds()), attrs)
}

// Sent records one outbound message. kind is "reply" or "notification".
func (m *BotMetrics) Sent(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sends.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome)))
}
