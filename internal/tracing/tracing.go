// Package tracing configures the process-wide OpenTelemetry TracerProvider.
// Grounded on the original source's OpenTelemetryIntegration::initialize:
// an OTLP gRPC exporter feeding a batch span processor feeding a
// TracerProvider tagged with the service name, installed as the global
// provider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes and stops the tracer provider installed by
// Initialize. Callers should defer it and pass a context with a short
// timeout.
type ShutdownFunc func(context.Context) error

// Initialize configures the global TracerProvider for serviceName. An empty
// endpoint installs the SDK's default no-op-shaped provider (no exporter,
// no batching) rather than an OTLP pipeline, so a service with tracing
// disabled pays no exporter-dial cost. A non-empty endpoint is dialed as an
// OTLP/gRPC collector address.
func Initialize(serviceName, endpoint string) (ShutdownFunc, error) {
	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(newResource(serviceName)),
		)
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithResource(newResource(serviceName)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newResource(serviceName string) *resource.Resource {
	return resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", "0.1.0"),
	)
}
