// Copyright 2025 James Ross
// Package obstrace initializes OpenTelemetry tracing and provides span
// helpers for the coordinator's notification handling path: the same
// OTLP exporter, resource, and sampler wiring applied to this domain's
// span names.
package obstrace

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures tracing initialization.
type Options struct {
	Enabled          bool
	Endpoint         string
	Environment      string
	SamplingStrategy string // "always", "never", "probabilistic"
	SamplingRate     float64
}

// MaybeInit optionally initializes a global tracer provider. Returns nil
// if tracing is disabled or no endpoint is configured.
func MaybeInit(opts Options) (*sdktrace.TracerProvider, error) {
	if !opts.Enabled || opts.Endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(opts.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("ingest-controller"),
		semconv.ServiceVersionKey.String("1.0.0"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", opts.Environment),
	)

	var sampler sdktrace.Sampler
	switch opts.SamplingStrategy {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "never":
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(opts.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp, nil
}

var tracer = otel.Tracer("ingest-controller")

// StartNotification opens the root span for one notification's handling.
func StartNotification(ctx context.Context, bucket, object string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "notification.handle")
	span.SetAttributes(attribute.String("gcs.bucket", bucket), attribute.String("gcs.object", object))
	return ctx, span
}

// RecordError marks the current span as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSuccess marks the current span as successful.
func SetSuccess(ctx context.Context) {
	trace.SpanFromContext(ctx).SetStatus(codes.Ok, "")
}
