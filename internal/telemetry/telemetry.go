// Package telemetry wires OpenTelemetry traces and metrics into the bot.
//
// Nothing is exported unless telemetry.enabled is set; until then the
// global providers are no-ops and WrapStore returns the store untouched.
//
//	telemetry.enabled: true          turn exporters on
//	telemetry.stdout: true           pretty-print spans and metrics to stdout
//	telemetry.endpoint: host:4317    OTLP gRPC collector
//
// When enabled with no endpoint, OTEL_EXPORTER_OTLP_ENDPOINT is consulted,
// and with neither an endpoint nor stdout the trace exporter falls back to
// stdout so enabling telemetry always shows something.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/circlerelay/proxybot"

const (
	stdoutMetricInterval = 15 * time.Second
	otlpMetricInterval   = 30 * time.Second
)

// Config selects the exporters.
type Config struct {
	Enabled  bool
	Stdout   bool
	Endpoint string
}

var (
	enabled atomic.Bool

	mu        sync.Mutex
	shutdowns []func(context.Context) error
)

// Enabled reports whether Init installed real providers.
func Enabled() bool {
	return enabled.Load()
}

// Init installs the global tracer and meter providers for serviceName.
func Init(ctx context.Context, cfg Config, serviceName, version string) error {
	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	spanExporters, err := spanExporters(ctx, cfg)
	if err != nil {
		return fmt.Errorf("telemetry: trace exporters: %w", err)
	}
	readers, err := metricReaders(ctx, cfg)
	if err != nil {
		return fmt.Errorf("telemetry: metric exporters: %w", err)
	}

	topts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	for _, exp := range spanExporters {
		topts = append(topts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(topts...)

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	mu.Lock()
	shutdowns = append(shutdowns, tp.Shutdown, mp.Shutdown)
	mu.Unlock()
	enabled.Store(true)
	return nil
}

func spanExporters(ctx context.Context, cfg Config) ([]sdktrace.SpanExporter, error) {
	var out []sdktrace.SpanExporter
	if cfg.Stdout || cfg.Endpoint == "" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	if cfg.Endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp: %w", err)
		}
		out = append(out, exp)
	}
	return out, nil
}

func metricReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, error) {
	var out []sdkmetric.Reader
	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		out = append(out, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(stdoutMetricInterval)))
	}
	if cfg.Endpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp: %w", err)
		}
		out = append(out, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(otlpMetricInterval)))
	}
	return out, nil
}

// Tracer returns a tracer for name, or for the module scope when name is empty.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter for name, or for the module scope when name is empty.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending spans and metrics. Safe to call when Init
// installed no-op providers.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	fns := shutdowns
	shutdowns = nil
	mu.Unlock()

	var errs []error
	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	enabled.Store(false)
	return errors.Join(errs...)
}
