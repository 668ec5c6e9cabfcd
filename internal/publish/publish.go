// Package publish implements the runtime-switchable hot path between a
// header-less fast publish and a span-instrumented traced publish, selected
// through an atomic function pointer so the hot path never evaluates a
// conditional. Grounded on the original source's
// ServiceHost::publish_broadcast/publish_point_to_point and its
// publish_mutex_, adapted to Go's atomic.Pointer and OpenTelemetry spans.
package publish

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/src/internal/bus"
	"github.com/c360/src/internal/corelog"
	coreerrors "github.com/c360/src/internal/errors"
	"github.com/c360/src/internal/metric"
	"github.com/c360/src/internal/tracectx"
)

// Codec serializes outbound application records. Matches
// dispatcher.Codec's shape so a single codec instance can serve both.
type Codec interface {
	Encode(v any) ([]byte, error)
}

type mode string

const (
	modeBroadcast    mode = "broadcast"
	modePointToPoint mode = "point_to_point"
)

type publishFunc func(ctx context.Context, m mode, typeName, targetUID string, payload []byte) error

// Publisher owns the atomic fast/traced publish indirection described in
// the Hot-path Publisher contract. The zero value is not usable; construct
// with New.
type Publisher struct {
	client *bus.Client
	codec  Codec
	tracer trace.Tracer
	logger *corelog.Logger
	metric *metric.Registry

	serviceUID string

	publishMu sync.Mutex
	current   atomic.Pointer[publishFunc]
	tracing   atomic.Bool
}

// New creates a Publisher starting on the fast (untraced) path.
func New(client *bus.Client, codec Codec, tracer trace.Tracer, logger *corelog.Logger, metrics *metric.Registry, serviceUID string) *Publisher {
	p := &Publisher{
		client:     client,
		codec:      codec,
		tracer:     tracer,
		logger:     logger,
		metric:     metrics,
		serviceUID: serviceUID,
	}
	var fast publishFunc = p.fastPublish
	p.current.Store(&fast)
	return p
}

// EnableTracing switches the hot path to the span-instrumented
// implementation. The switch takes effect for the next publish call; no
// in-flight call is interrupted.
func (p *Publisher) EnableTracing() {
	var traced publishFunc = p.tracedPublish
	p.current.Store(&traced)
	p.tracing.Store(true)
}

// DisableTracing switches the hot path back to the fast implementation.
func (p *Publisher) DisableTracing() {
	var fast publishFunc = p.fastPublish
	p.current.Store(&fast)
	p.tracing.Store(false)
}

// Tracing reports whether the traced path is currently active. This is an
// observability accessor only; the publish hot path itself never consults
// it, reading the atomic.Pointer directly instead.
func (p *Publisher) Tracing() bool {
	return p.tracing.Load()
}

// PublishBroadcast encodes message and sends it to every subscriber of
// typeName via whichever path is currently active.
func (p *Publisher) PublishBroadcast(ctx context.Context, typeName string, message any) error {
	payload, err := p.codec.Encode(message)
	if err != nil {
		return coreerrors.WrapInvalid(err, "publish.Publisher", "PublishBroadcast", fmt.Sprintf("encode %s", typeName))
	}
	fn := *p.current.Load()
	return fn(ctx, modeBroadcast, typeName, "", payload)
}

// PublishPointToPoint encodes message and sends it only to the service
// whose uid is targetUID, via whichever path is currently active.
func (p *Publisher) PublishPointToPoint(ctx context.Context, targetUID, typeName string, message any) error {
	payload, err := p.codec.Encode(message)
	if err != nil {
		return coreerrors.WrapInvalid(err, "publish.Publisher", "PublishPointToPoint", fmt.Sprintf("encode %s", typeName))
	}
	fn := *p.current.Load()
	return fn(ctx, modePointToPoint, typeName, targetUID, payload)
}

func subject(m mode, typeName, targetUID string) string {
	if m == modePointToPoint {
		return fmt.Sprintf("system.direct.%s.%s", targetUID, typeName)
	}
	return fmt.Sprintf("system.broadcast.%s", typeName)
}

// fastPublish serializes and publishes with no span and no headers.
func (p *Publisher) fastPublish(ctx context.Context, m mode, typeName, targetUID string, payload []byte) error {
	subj := subject(m, typeName, targetUID)

	p.publishMu.Lock()
	err := p.client.Publish(ctx, subj, payload)
	p.publishMu.Unlock()

	if err != nil {
		p.logger.ErrorErr("fast publish failed", err, "subject", subj)
		if p.metric != nil {
			p.metric.CoreMetrics().RecordError("publisher", "publish")
		}
		return err
	}
	if p.metric != nil {
		p.metric.CoreMetrics().RecordMessagePublished("publisher", subj)
	}
	return nil
}

// tracedPublish starts a publish span, injects the current trace context
// into outbound headers, and publishes with headers.
func (p *Publisher) tracedPublish(ctx context.Context, m mode, typeName, targetUID string, payload []byte) error {
	subj := subject(m, typeName, targetUID)

	attrs := []attribute.KeyValue{
		attribute.String("message.type", typeName),
		attribute.String("publish.mode", string(m)),
		attribute.String("service.uid", p.serviceUID),
	}
	if targetUID != "" {
		attrs = append(attrs, attribute.String("target.uid", targetUID))
	}

	ctx, span := p.tracer.Start(ctx, "publish."+typeName, trace.WithAttributes(attrs...))
	defer span.End()

	headers := nats.Header{}
	tracectx.Inject(ctx, headers, p.logger.CorrelationID())

	p.publishMu.Lock()
	err := p.client.PublishWithHeaders(ctx, subj, headers, payload)
	p.publishMu.Unlock()

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorErr("traced publish failed", err, "subject", subj)
		if p.metric != nil {
			p.metric.CoreMetrics().RecordError("publisher", "publish")
		}
		return err
	}

	span.SetStatus(codes.Ok, "")
	if p.metric != nil {
		p.metric.CoreMetrics().RecordMessagePublished("publisher", subj)
	}
	return nil
}
