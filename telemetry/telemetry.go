// Package telemetry wires the OpenTelemetry SDK used by cmd/eventflowd.
// The root eventflow package only ever depends on the trace.Tracer
// interface and defaults to a no-op implementation (see handler.go); this
// package is where a real exporter gets plugged in, trimmed to tracing
// only — handle-invocation spans are the runtime's only telemetry
// surface, so there is nothing for a metrics pipeline to aggregate here.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the exporter and the resource attributes attached to
// every span eventflow emits.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Insecure       bool
}

// Init dials the OTLP collector and installs a batching TracerProvider as
// the global provider. The returned Shutdown flushes and closes the
// exporter; callers should defer it.
func Init(ctx context.Context, cfg Config) (trace.Tracer, func(context.Context) error, error) {
	res, err := resourceFor(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(dialCtx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error { return tp.Shutdown(ctx) }

	return tp.Tracer("eventflow"), shutdown, nil
}

func resourceFor(cfg Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	))
}
