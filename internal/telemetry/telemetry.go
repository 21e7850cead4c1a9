package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider

	evidenceCounter  metric.Int64Counter
	finalizeCounter  metric.Int64Counter
	finalizeDuration metric.Float64Histogram
	catalogEntries   metric.Int64Histogram
}

// New wires an OTLP trace exporter and the consolidation instruments. A
// disabled config yields a no-op implementation.
func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(logger.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.ExporterType {
	case "otlp", "":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t, err := newInstruments(otel.Meter(cfg.ServiceName))
	if err != nil {
		return nil, err
	}
	t.tracerProvider = tp
	return t, nil
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	evidenceCounter, err := meter.Int64Counter("surfacemap.evidence.total",
		metric.WithDescription("Evidence items received, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	finalizeCounter, err := meter.Int64Counter("surfacemap.finalize.total",
		metric.WithDescription("Catalog finalizations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	finalizeDuration, err := meter.Float64Histogram("surfacemap.scan.duration",
		metric.WithDescription("Time from first evidence to finalized catalog"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	catalogEntries, err := meter.Int64Histogram("surfacemap.catalog.entries",
		metric.WithDescription("Entries per finalized catalog"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &telemetry{
		evidenceCounter:  evidenceCounter,
		finalizeCounter:  finalizeCounter,
		finalizeDuration: finalizeDuration,
		catalogEntries:   catalogEntries,
	}, nil
}

func (t *telemetry) RecordIngest(app string, source types.SourceKind, accepted bool) {
	t.evidenceCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("app", app),
		attribute.String("evidence.source", string(source)),
		attribute.Bool("evidence.accepted", accepted),
	))
}

func (t *telemetry) RecordFinalize(app string, entries int, duration time.Duration, success bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("app", app),
		attribute.Bool("finalize.success", success),
	)
	t.finalizeCounter.Add(ctx, 1, attrs)
	t.finalizeDuration.Record(ctx, duration.Seconds(), attrs)
	if success {
		t.catalogEntries.Record(ctx, int64(entries), metric.WithAttributes(attribute.String("app", app)))
	}
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func Nop() core.Telemetry { return noopTelemetry{} }

func (noopTelemetry) RecordIngest(string, types.SourceKind, bool)     {}
func (noopTelemetry) RecordFinalize(string, int, time.Duration, bool) {}
func (noopTelemetry) Close() error                                    { return nil }

// Multi fans every call out to each sink.
type Multi []core.Telemetry

func (m Multi) RecordIngest(app string, source types.SourceKind, accepted bool) {
	for _, t := range m {
		t.RecordIngest(app, source, accepted)
	}
}

func (m Multi) RecordFinalize(app string, entries int, duration time.Duration, success bool) {
	for _, t := range m {
		t.RecordFinalize(app, entries, duration, success)
	}
}

func (m Multi) Close() error {
	var first error
	for _, t := range m {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Observer turns consolidator events into ingest counts. Finalization is
// recorded by whoever calls Finalize, since only they know the duration.
func Observer(t core.Telemetry) consolidator.Observer {
	return func(ev consolidator.Event) {
		switch ev.Kind {
		case consolidator.EventIngested:
			t.RecordIngest(ev.App, ev.Source, true)
		case consolidator.EventDropped, consolidator.EventQuarantined:
			t.RecordIngest(ev.App, ev.Source, false)
		}
	}
}
