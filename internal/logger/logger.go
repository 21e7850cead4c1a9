// Package logger wraps zap with the fields and span hooks surfacemap uses
// everywhere. Every record is teed to an otelzap core so log lines carry the
// active trace when telemetry is on.
package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "surfacemap"

// Version is stamped into every log line; overridden at build time.
var Version = "dev"

type Logger struct {
	*zap.SugaredLogger
	tracer trace.Tracer
}

func zapConfigFor(cfg config.LoggerConfig) (zap.Config, error) {
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.EncoderConfig.TimeKey = "timestamp"

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return zc, fmt.Errorf("invalid log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zc.OutputPaths = []string{"stderr"}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.InitialFields = map[string]interface{}{"service": serviceName, "version": Version}
	return zc, nil
}

func New(cfg config.LoggerConfig) (*Logger, error) {
	zc, err := zapConfigFor(cfg)
	if err != nil {
		return nil, err
	}
	base, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	bridge := otelzap.NewCore(serviceName, otelzap.WithAttributes(
		attribute.String("service", serviceName),
		attribute.String("version", Version),
	))
	tee := zap.New(zapcore.NewTee(base.Core(), bridge),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return &Logger{SugaredLogger: tee.Sugar(), tracer: otel.Tracer(serviceName + "/logger")}, nil
}

// NewNop discards everything.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar(), tracer: otel.Tracer(serviceName + "/nop")}
}

func (l *Logger) with(fields ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.With(fields...), tracer: l.tracer}
}

func (l *Logger) WithComponent(component string) *Logger { return l.with("component", component) }

func (l *Logger) WithApp(app string) *Logger { return l.with("app", app) }

// WithContext adds the trace and span ids of a recording span in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !trace.SpanFromContext(ctx).IsRecording() {
		return l
	}
	return l.with("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// StartOperation opens a span named after operation.
func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...interface{}) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, operation)
	l.WithContext(ctx).Debugw("Operation started", append([]interface{}{"operation", operation}, fields...)...)
	return ctx, span
}

// FinishOperation ends span, logging err when set.
func (l *Logger) FinishOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error, fields ...interface{}) {
	defer span.End()

	fields = append([]interface{}{"operation", operation, "duration_ms", time.Since(start).Milliseconds()}, fields...)
	if err != nil {
		l.LogError(ctx, err, operation, fields...)
		return
	}
	span.SetStatus(codes.Ok, "completed")
	l.WithContext(ctx).Debugw("Operation completed successfully", fields...)
}

func (l *Logger) LogDuration(ctx context.Context, operation string, start time.Time, fields ...interface{}) {
	elapsed := time.Since(start)
	l.WithContext(ctx).Infow("Operation completed",
		append([]interface{}{"operation", operation, "duration_ms", elapsed.Milliseconds()}, fields...)...)

	addSpanEvent(ctx, "operation_completed",
		attribute.String("operation", operation),
		attribute.Int64("duration_ms", elapsed.Milliseconds()),
	)
}

// LogError logs err and marks the active span failed. A nil err is ignored.
func (l *Logger) LogError(ctx context.Context, err error, operation string, fields ...interface{}) {
	if err == nil {
		return
	}
	l.WithContext(ctx).Errorw("Operation failed", append([]interface{}{
		"error", err.Error(),
		"error_type", fmt.Sprintf("%T", err),
		"operation", operation,
	}, fields...)...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// LogEvidenceRejected records a dropped or quarantined item at debug level;
// noisy inputs produce many.
func (l *Logger) LogEvidenceRejected(ctx context.Context, rejection, source, raw string, err error) {
	l.WithContext(ctx).Debugw("Evidence rejected",
		"rejection", rejection,
		"source", source,
		"raw_value", raw,
		"error", err.Error(),
	)
	addSpanEvent(ctx, "evidence_rejected",
		attribute.String("rejection", rejection),
		attribute.String("source", source),
	)
}

func (l *Logger) LogCatalogSummary(ctx context.Context, app string, entries int, dropped, quarantined int64, risk map[string]int, fields ...interface{}) {
	l.WithContext(ctx).Infow("Catalog finalized", append([]interface{}{
		"app", app,
		"total_entries", entries,
		"dropped_evidence", dropped,
		"quarantined_evidence", quarantined,
		"risk_distribution", risk,
	}, fields...)...)
}

func (l *Logger) LogHTTPRequest(ctx context.Context, method, url string, status int, elapsed time.Duration, fields ...interface{}) {
	fields = append([]interface{}{
		"http_method", method,
		"http_url", url,
		"http_status", status,
		"duration_ms", elapsed.Milliseconds(),
	}, fields...)

	log := l.WithContext(ctx).Infow
	switch {
	case status >= 500:
		log = l.WithContext(ctx).Errorw
	case status >= 400:
		log = l.WithContext(ctx).Warnw
	}
	log("HTTP request completed", fields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() && status >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	}
}

func (l *Logger) LogDatabaseOperation(ctx context.Context, operation, table string, rows int64, elapsed time.Duration, fields ...interface{}) {
	l.WithContext(ctx).Debugw("Database operation completed", append([]interface{}{
		"db_operation", operation,
		"db_table", table,
		"rows_affected", rows,
		"duration_ms", elapsed.Milliseconds(),
	}, fields...)...)

	addSpanEvent(ctx, "database_operation",
		attribute.String("operation", operation),
		attribute.String("table", table),
		attribute.Int64("rows_affected", rows),
	)
}

func addSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
