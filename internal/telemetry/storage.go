package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/types"
)

const storageScopeName = "github.com/circlerelay/proxybot/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in proxybot.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	size   metric.Int64Gauge
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	return newInstrumentedStore(s, Meter(storageScopeName), Tracer(storageScopeName))
}

func newInstrumentedStore(s storage.Store, m metric.Meter, tr trace.Tracer) *InstrumentedStore {
	ops, _ := m.Int64Counter("proxybot.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("proxybot.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("proxybot.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	size, _ := m.Int64Gauge("proxybot.directory.entries",
		metric.WithDescription("Entries per collection after the last load or persist"),
	)
	return &InstrumentedStore{inner: s, tracer: tr, ops: ops, dur: dur, errs: errs, size: size}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) recordSizes(ctx context.Context, snap *storage.Snapshot, cs []types.Collection) {
	for _, c := range cs {
		var n int
		switch c {
		case types.CollectionRelays:
			n = len(snap.Relays)
		case types.CollectionPending:
			n = len(snap.Pending)
		case types.CollectionRequesters:
			n = len(snap.Requesters)
		}
		s.size.Record(ctx, int64(n), metric.WithAttributes(attribute.String("collection", string(c))))
	}
}

func (s *InstrumentedStore) Load(ctx context.Context) (*storage.Snapshot, error) {
	ctx, span, start := s.op(ctx, "Load")
	snap, err := s.inner.Load(ctx)
	s.done(ctx, span, start, err)
	if err == nil {
		s.recordSizes(ctx, snap, types.AllCollections)
	}
	return snap, err
}

func (s *InstrumentedStore) Persist(ctx context.Context, snap *storage.Snapshot, collections ...types.Collection) error {
	names := make([]string, len(collections))
	for i, c := range collections {
		names[i] = string(c)
	}
	ctx, span, start := s.op(ctx, "Persist", attribute.StringSlice("collections", names))
	err := s.inner.Persist(ctx, snap, collections...)
	s.done(ctx, span, start, err)
	if err == nil {
		cs, _ := storage.Collections(collections...)
		s.recordSizes(ctx, snap, cs)
	}
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

// Atomic reports whether the wrapped store is atomic.
func (s *InstrumentedStore) Atomic() bool {
	return storage.IsAtomic(s.inner)
}

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() storage.Store { return s.inner }
