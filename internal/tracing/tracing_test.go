package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestInitialize_EmptyEndpointInstallsNoExporterProvider(t *testing.T) {
	shutdown, err := Initialize("test-service", "")
	if err != nil {
		t.Fatalf("expected no error for empty endpoint, got %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	tracer := otel.Tracer("test-service")
	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	if !span.SpanContext().IsValid() {
		t.Error("expected the installed SDK provider to produce a valid span context even without an exporter")
	}
}

func TestInitialize_ShutdownIsIdempotentSafe(t *testing.T) {
	shutdown, err := Initialize("test-service", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Errorf("expected shutdown to succeed, got %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("expected a second shutdown to succeed, got %v", err)
	}
}
