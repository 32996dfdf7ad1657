package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/storage/memory"
	"github.com/circlerelay/proxybot/internal/types"
)

func TestInitDisabled(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{}, "proxybot", "test"))
	assert.False(t, Enabled())

	store := memory.New()
	assert.Same(t, storage.Store(store), WrapStore(store))
}

func TestInitStdoutAndShutdown(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	ctx := context.Background()
	require.NoError(t, Init(ctx, Config{Enabled: true, Stdout: true}, "proxybot", "test"))
	assert.True(t, Enabled())
	_, wrapped := WrapStore(memory.New()).(*InstrumentedStore)
	assert.True(t, wrapped)

	require.NoError(t, Shutdown(ctx))
	assert.False(t, Enabled())
	require.NoError(t, Shutdown(ctx), "second shutdown is a no-op")
	require.NoError(t, Init(ctx, Config{}, "proxybot", "test"))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestInstrumentedStore(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	inner := memory.New()
	s := newInstrumentedStore(inner, mp.Meter("test"), tp.Tracer("test"))
	assert.True(t, storage.IsAtomic(s))

	ctx := context.Background()
	snap, err := s.Load(ctx)
	require.NoError(t, err)
	snap.Pending["bob"] = []string{"support"}
	require.NoError(t, s.Persist(ctx, snap, types.CollectionPending))

	inner.FailPersist(types.CollectionRelays, errors.New("disk full"))
	require.Error(t, s.Persist(ctx, snap, types.CollectionRelays))

	ended := spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "storage.Load", ended[0].Name())
	assert.Equal(t, "storage.Persist", ended[1].Name())
	assert.Len(t, ended[2].Events(), 1, "error recorded on span")

	data := collect(t, reader)
	ops, ok := data["proxybot.storage.operations"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range ops.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)

	errs, ok := data["proxybot.storage.errors"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errs.DataPoints, 1)
	assert.Equal(t, int64(1), errs.DataPoints[0].Value)
}

func TestBotMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newBotMetrics(mp.Meter("test"))

	ctx := context.Background()
	m.Command(ctx, "talkto", "ok", 3*time.Millisecond)
	m.Command(ctx, "talkto", "unknown_circle", time.Millisecond)
	m.Sent(ctx, "notification", nil)
	m.Sent(ctx, "reply", errors.New("down"))

	data := collect(t, reader)
	cmds, ok := data["proxybot.commands"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, cmds.DataPoints, 2)
	sends, ok := data["proxybot.messages.sent"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sends.DataPoints, 2)

	var nilMetrics *BotMetrics
	nilMetrics.Command(ctx, "ping", "ok", 0)
	nilMetrics.Sent(ctx, "reply", nil)
}
