// Package traces provides OpenTelemetry distributed tracing for attendguard.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/attendguard/attendguard"

// Init installs an OTLP/gRPC tracer provider. An empty endpoint leaves the
// global no-op provider in place. The returned func flushes and stops export.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no otel endpoint configured)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("attendguard"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func SessionID(id string) attribute.KeyValue {
	return attribute.String("attendance.session_id", id)
}

func StudentID(id string) attribute.KeyValue {
	return attribute.String("attendance.student_id", id)
}

func ViolationCount(n int) attribute.KeyValue {
	return attribute.Int("attendance.violations", n)
}

func Rule(name string) attribute.KeyValue {
	return attribute.String("attendance.rule", name)
}

// RuleFired records a rule hit as an event on the current span.
func RuleFired(ctx context.Context, rule string, score float64) {
	trace.SpanFromContext(ctx).AddEvent("rule fired", trace.WithAttributes(
		Rule(rule), attribute.Float64("attendance.risk_score", score)))
}
