package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/c360/src/internal/corelog"
	"github.com/c360/src/internal/workerpool"
)

type widget struct {
	Name string `json:"name"`
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *workerpool.Pool) {
	t.Helper()
	pool := workerpool.New(2)
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	logger := corelog.New("test-service", nil, nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	d := New(nil, pool, tracer, logger, nil, "test-uid", "test-service")
	return d, pool
}

func receiveSync(d *Dispatcher, logger *corelog.Logger, typeName string, routing Routing, payload []byte, done chan<- struct{}) {
	tracer := noop.NewTracerProvider().Tracer("test")
	ctx, span := tracer.Start(context.Background(), "test.receive")
	go func() {
		d.Receive(ctx, span, logger, typeName, routing, payload)
		close(done)
	}()
}

func TestRegisterHandler_And_Receive_InvokesHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got atomic.Value
	handled := make(chan struct{})

	err := RegisterHandler(d, JSONCodec{}, "widget.created", Broadcast, func(ctx context.Context, w widget) error {
		got.Store(w.Name)
		close(handled)
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	payload := []byte(`{"name":"gizmo"}`)
	done := make(chan struct{})
	receiveSync(d, corelog.New("test", nil, nil), "widget.created", Broadcast, payload, done)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked within timeout")
	}
	<-done

	if name, _ := got.Load().(string); name != "gizmo" {
		t.Errorf("expected handler to observe name=gizmo, got %q", name)
	}
}

func TestReceive_NoHandlerRegistered_DoesNotPanic(t *testing.T) {
	d, _ := newTestDispatcher(t)

	done := make(chan struct{})
	receiveSync(d, corelog.New("test", nil, nil), "unknown.type", Broadcast, []byte(`{}`), done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Receive did not return within timeout")
	}
}

func TestReceive_DecodeFailure_HandlerNotInvoked(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var invoked atomic.Bool
	err := RegisterHandler(d, JSONCodec{}, "widget.created", Broadcast, func(ctx context.Context, w widget) error {
		invoked.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	done := make(chan struct{})
	receiveSync(d, corelog.New("test", nil, nil), "widget.created", Broadcast, []byte(`not json`), done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Receive did not return within timeout")
	}

	if invoked.Load() {
		t.Errorf("expected handler not to be invoked on decode failure")
	}
}

func TestRegisterHandlers_BatchValidation_AllOrNone(t *testing.T) {
	d, _ := newTestDispatcher(t)

	good := NewRegistration(JSONCodec{}, "widget.created", Broadcast, func(ctx context.Context, w widget) error {
		return nil
	})
	bad := Registration{typeName: "", routing: Broadcast, invoke: nil}

	err := d.RegisterHandlers([]Registration{good, bad})
	if err == nil {
		t.Fatal("expected validation error for batch containing an empty registration")
	}

	d.mu.RLock()
	_, installed := d.handlers[handlerKey{"widget.created", Broadcast}]
	d.mu.RUnlock()
	if installed {
		t.Errorf("expected no handlers installed when batch validation fails")
	}
}

func TestReceive_HandlerPanicIsRecovered(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := RegisterHandler(d, JSONCodec{}, "widget.created", Broadcast, func(ctx context.Context, w widget) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	done := make(chan struct{})
	receiveSync(d, corelog.New("test", nil, nil), "widget.created", Broadcast, []byte(`{"name":"x"}`), done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after handler panic")
	}
}

func TestDispatcher_StopPreventsSubmission(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var invoked atomic.Bool
	err := RegisterHandler(d, JSONCodec{}, "widget.created", Broadcast, func(ctx context.Context, w widget) error {
		invoked.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	d.Stop()

	done := make(chan struct{})
	receiveSync(d, corelog.New("test", nil, nil), "widget.created", Broadcast, []byte(`{"name":"x"}`), done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Receive did not return within timeout")
	}

	time.Sleep(10 * time.Millisecond)
	if invoked.Load() {
		t.Errorf("expected Stop to prevent handler invocation")
	}
}
