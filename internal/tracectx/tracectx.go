// Package tracectx propagates W3C trace context between NATS message
// headers (or, when the bus client does not support headers, an embedded
// message sub-record) and the current OpenTelemetry span context. It is a
// thin adapter over otel/propagation.TraceContext rather than a hand-rolled
// parser: the propagator already tolerates empty/invalid values.
package tracectx

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// headerCarrier adapts nats.Header to otel's propagation.TextMapCarrier.
type headerCarrier nats.Header

func (h headerCarrier) Get(key string) string {
	values := nats.Header(h).Values(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (h headerCarrier) Set(key, value string) {
	nats.Header(h).Set(key, value)
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Extract reads traceparent/tracestate from NATS message headers and
// returns the resulting span context. Empty or invalid headers yield an
// empty (non-remote) context, never an error.
func Extract(headers nats.Header) trace.SpanContext {
	if headers == nil {
		headers = nats.Header{}
	}
	ctx := propagator.Extract(context.Background(), headerCarrier(headers))
	return trace.SpanContextFromContext(ctx)
}

// Inject writes the span context carried by ctx into headers as
// traceparent/tracestate, plus a correlationIDHeader carrying correlationID
// for services that don't otherwise thread one through.
func Inject(ctx context.Context, headers nats.Header, correlationID string) {
	if headers == nil {
		return
	}
	propagator.Inject(ctx, headerCarrier(headers))
	if correlationID != "" {
		headers.Set(CorrelationIDHeader, correlationID)
	}
}

// CorrelationIDHeader is the NATS header key carrying the service-assigned
// correlation id alongside the standard W3C trace fields.
const CorrelationIDHeader = "X-Correlation-Id"

// TraceMetadata is the embedded-message fallback used when the bus client
// in play does not support headers, or a codec chooses to carry trace data
// inline with the application payload.
type TraceMetadata struct {
	TraceParent   string `json:"traceparent,omitempty"`
	TraceState    string `json:"tracestate,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type metadataCarrier struct {
	meta *TraceMetadata
}

func (m metadataCarrier) Get(key string) string {
	switch key {
	case "traceparent":
		return m.meta.TraceParent
	case "tracestate":
		return m.meta.TraceState
	default:
		return ""
	}
}

func (m metadataCarrier) Set(key, value string) {
	switch key {
	case "traceparent":
		m.meta.TraceParent = value
	case "tracestate":
		m.meta.TraceState = value
	}
}

func (m metadataCarrier) Keys() []string {
	return []string{"traceparent", "tracestate"}
}

// ExtractFromMessage reads trace context from an embedded TraceMetadata
// sub-record instead of headers.
func ExtractFromMessage(meta *TraceMetadata) trace.SpanContext {
	if meta == nil {
		meta = &TraceMetadata{}
	}
	ctx := propagator.Extract(context.Background(), metadataCarrier{meta: meta})
	return trace.SpanContextFromContext(ctx)
}

// InjectIntoMessage writes the current span context from ctx into meta.
func InjectIntoMessage(meta *TraceMetadata, ctx context.Context, correlationID string) {
	if meta == nil {
		return
	}
	propagator.Inject(ctx, metadataCarrier{meta: meta})
	meta.CorrelationID = correlationID
}
