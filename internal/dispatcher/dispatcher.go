// Package dispatcher maps message type names to typed handlers, manages
// the underlying bus subscriptions, and submits decode-and-invoke closures
// to a worker pool with a per-message trace span. Grounded on the original
// source's ServiceHost register_message/receive_message/subscribe_* shape,
// adapted to the teacher's NATS client idiom and the teacher's
// component.Logger correlation-id pattern.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/src/internal/bus"
	"github.com/c360/src/internal/corelog"
	coreerrors "github.com/c360/src/internal/errors"
	"github.com/c360/src/internal/metric"
	"github.com/c360/src/internal/tracectx"
	"github.com/c360/src/internal/workerpool"
)

// Routing selects whether a handler receives every broadcast of its type,
// or only messages addressed to this service's uid.
type Routing int

const (
	Broadcast Routing = iota
	PointToPoint
)

func (r Routing) String() string {
	if r == Broadcast {
		return "broadcast"
	}
	return "point_to_point"
}

// Codec encodes/decodes opaque bytes to/from typed application records.
// JSONCodec is the reference implementation.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

type handlerKey struct {
	typeName string
	routing  Routing
}

type handlerEntry struct {
	invoke func(ctx context.Context, payload []byte) error
}

// Registration is one type_name+routing+handler triple, built by
// NewRegistration so RegisterHandlers can validate a whole batch
// up front before installing any of it.
type Registration struct {
	typeName string
	routing  Routing
	invoke   func(ctx context.Context, payload []byte) error
}

// NewRegistration builds one handler registration for message type T.
// Decode errors are reported on the span and logged; they never invoke fn.
func NewRegistration[T any](codec Codec, typeName string, routing Routing, fn func(context.Context, T) error) Registration {
	return Registration{
		typeName: typeName,
		routing:  routing,
		invoke: func(ctx context.Context, payload []byte) error {
			var v T
			if err := codec.Decode(payload, &v); err != nil {
				return coreerrors.WrapInvalid(err, "dispatcher", "invoke", fmt.Sprintf("decode %s", typeName))
			}
			return fn(ctx, v)
		},
	}
}

// Dispatcher owns the type_name -> handler map, the live bus subscriptions,
// and submission of ready work to a worker pool.
type Dispatcher struct {
	client *bus.Client
	pool   *workerpool.Pool
	tracer trace.Tracer
	logger *corelog.Logger
	metric *metric.Registry

	serviceUID  string
	serviceName string

	mu       sync.RWMutex
	handlers map[handlerKey]*handlerEntry
	subs     map[handlerKey]*nats.Subscription
	running  bool
}

// New creates a Dispatcher bound to client and pool.
func New(client *bus.Client, pool *workerpool.Pool, tracer trace.Tracer, logger *corelog.Logger, metrics *metric.Registry, serviceUID, serviceName string) *Dispatcher {
	return &Dispatcher{
		client:      client,
		pool:        pool,
		tracer:      tracer,
		logger:      logger,
		metric:      metrics,
		serviceUID:  serviceUID,
		serviceName: serviceName,
		handlers:    make(map[handlerKey]*handlerEntry),
		subs:        make(map[handlerKey]*nats.Subscription),
		running:     true,
	}
}

// RegisterHandler installs one handler, replacing any previously registered
// handler for the same (typeName, routing).
func RegisterHandler[T any](d *Dispatcher, codec Codec, typeName string, routing Routing, fn func(context.Context, T) error) error {
	return d.install(NewRegistration(codec, typeName, routing, fn))
}

// RegisterHandlers installs a batch atomically: every entry's typeName
// non-empty and invoke non-nil is validated before any is installed.
func (d *Dispatcher) RegisterHandlers(batch []Registration) error {
	for _, r := range batch {
		if r.typeName == "" || r.invoke == nil {
			return coreerrors.WrapInvalid(coreerrors.ErrInvalidHandlers, "dispatcher", "RegisterHandlers", "empty type name or nil handler in batch")
		}
	}
	for _, r := range batch {
		if err := d.install(r); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) install(r Registration) error {
	d.mu.Lock()
	d.handlers[handlerKey{r.typeName, r.routing}] = &handlerEntry{invoke: r.invoke}
	d.mu.Unlock()
	return nil
}

// Subscribe creates the underlying bus subscription for (typeName, routing)
// if one does not already exist. Idempotent per (typeName, routing, uid).
func (d *Dispatcher) Subscribe(typeName string, routing Routing) error {
	key := handlerKey{typeName, routing}

	d.mu.Lock()
	if _, exists := d.subs[key]; exists {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	subject := d.subject(typeName, routing)

	sub, err := d.client.Subscribe(subject, func(ctx context.Context, msg *nats.Msg) {
		d.onMessage(typeName, routing, msg)
	})
	if err != nil {
		return coreerrors.WrapTransient(err, "dispatcher", "Subscribe", fmt.Sprintf("subscribe to %s", subject))
	}

	d.mu.Lock()
	d.subs[key] = sub
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) subject(typeName string, routing Routing) string {
	if routing == PointToPoint {
		return fmt.Sprintf("system.direct.%s.%s", d.serviceUID, typeName)
	}
	return fmt.Sprintf("system.broadcast.%s", typeName)
}

// onMessage is the NATS callback adapter: it must not block. It extracts
// trace headers, starts a receive span, builds a request-scoped logger,
// and submits the decode-and-invoke closure to the worker pool.
func (d *Dispatcher) onMessage(typeName string, routing Routing, msg *nats.Msg) {
	sc := tracectx.Extract(msg.Header)
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)
	ctx, span := d.tracer.Start(ctx, "dispatcher.receive."+typeName)

	correlationID := msg.Header.Get(tracectx.CorrelationIDHeader)
	log := d.logger.WithRequestIDs(correlationID, traceIDHex(span), spanIDHex(span))

	if d.metric != nil {
		d.metric.CoreMetrics().RecordMessageReceived(d.serviceName, typeName)
	}

	d.Receive(ctx, span, log, typeName, routing, msg.Data)
}

// Receive is the internal entry point shared by the NATS callback adapter
// and tests: it looks up the handler and submits a decode-and-invoke
// closure to the worker pool. The caller owns the span passed in; Receive
// ends it once the submitted closure completes (or immediately, on lookup
// failure).
func (d *Dispatcher) Receive(ctx context.Context, span trace.Span, log *corelog.Logger, typeName string, routing Routing, payload []byte) {
	d.mu.RLock()
	running := d.running
	entry, ok := d.handlers[handlerKey{typeName, routing}]
	d.mu.RUnlock()

	if !running {
		span.End()
		return
	}

	if !ok {
		span.SetStatus(codes.Error, "no handler registered")
		span.End()
		log.Error("no handler registered for message type", "type", typeName, "routing", routing.String())
		return
	}

	submitted := d.pool.Submit(func() {
		d.invoke(ctx, span, log, typeName, entry, payload)
	})
	if !submitted {
		span.SetStatus(codes.Error, "worker pool rejected submission")
		span.End()
	}
}

func (d *Dispatcher) invoke(ctx context.Context, span trace.Span, log *corelog.Logger, typeName string, entry *handlerEntry, payload []byte) {
	defer span.End()
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return entry.invoke(ctx, payload)
	}()

	duration := time.Since(start)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr("handler invocation failed", err, "type", typeName, "duration_ms", duration.Milliseconds())
		if d.metric != nil {
			d.metric.CoreMetrics().RecordMessageProcessed(d.serviceName, typeName, "error")
			d.metric.CoreMetrics().RecordError(d.serviceName, "handler")
		}
		return
	}

	span.SetStatus(codes.Ok, "")
	if d.metric != nil {
		d.metric.CoreMetrics().RecordMessageProcessed(d.serviceName, typeName, "success")
		d.metric.CoreMetrics().RecordProcessingDuration(d.serviceName, typeName, duration)
	}
}

// Stop gates off new submissions; in-flight invocations are awaited via the
// worker pool's own drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func traceIDHex(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func spanIDHex(span trace.Span) string {
	sc := span.SpanContext()
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}
