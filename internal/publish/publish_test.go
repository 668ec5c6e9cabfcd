package publish

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/c360/src/internal/bus"
	"github.com/c360/src/internal/corelog"
	"github.com/c360/src/internal/dispatcher"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	client := bus.New("nats://127.0.0.1:4222")
	logger := corelog.New("test-service", nil, nil)
	tracer := noop.NewTracerProvider().Tracer("test")
	return New(client, dispatcher.JSONCodec{}, tracer, logger, nil, "test-uid")
}

func TestNew_StartsOnFastPath(t *testing.T) {
	p := newTestPublisher(t)
	if p.Tracing() {
		t.Errorf("expected new Publisher to start on the fast path")
	}
}

func TestEnableDisableTracing_TogglesState(t *testing.T) {
	p := newTestPublisher(t)

	p.EnableTracing()
	if !p.Tracing() {
		t.Errorf("expected Tracing() true after EnableTracing")
	}

	p.DisableTracing()
	if p.Tracing() {
		t.Errorf("expected Tracing() false after DisableTracing")
	}
}

func TestPublishBroadcast_NoConnection_ReturnsErrorNotPanic(t *testing.T) {
	p := newTestPublisher(t)

	if err := p.PublishBroadcast(context.Background(), "widget.created", map[string]string{"name": "gizmo"}); err == nil {
		t.Errorf("expected error publishing without a live connection")
	}
}

func TestPublishPointToPoint_NoConnection_ReturnsErrorNotPanic(t *testing.T) {
	p := newTestPublisher(t)

	if err := p.PublishPointToPoint(context.Background(), "other-uid", "widget.created", map[string]string{"name": "gizmo"}); err == nil {
		t.Errorf("expected error publishing without a live connection")
	}
}

func TestPublishBroadcast_TracedPath_NoConnection_ReturnsErrorNotPanic(t *testing.T) {
	p := newTestPublisher(t)
	p.EnableTracing()

	if err := p.PublishBroadcast(context.Background(), "widget.created", map[string]string{"name": "gizmo"}); err == nil {
		t.Errorf("expected error publishing without a live connection on the traced path")
	}
}

func TestSubject_BroadcastAndPointToPoint(t *testing.T) {
	if got, want := subject(modeBroadcast, "widget.created", ""), "system.broadcast.widget.created"; got != want {
		t.Errorf("broadcast subject = %q, want %q", got, want)
	}
	if got, want := subject(modePointToPoint, "widget.created", "svc-1"), "system.direct.svc-1.widget.created"; got != want {
		t.Errorf("point-to-point subject = %q, want %q", got, want)
	}
}
