package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrSourceID   = "orgloop.source.id"
	AttrRouteName  = "orgloop.route.name"
	AttrActorID    = "orgloop.actor.id"
	AttrEventID    = "orgloop.event.id"
	AttrEventType  = "orgloop.event.type"
	AttrBusOffset  = "orgloop.bus.offset"
	AttrAttempt    = "orgloop.delivery.attempt"
	AttrTransform  = "orgloop.transform.name"
	AttrHTTPTarget = "http.target"
	AttrHTTPStatus = "http.status_code"
	AttrErrorType  = "error.type"
)

// Span name constants for consistent span naming.
const (
	SpanAppend    = "orgloop.bus.append"
	SpanPoll      = "orgloop.source.poll"
	SpanIngest    = "orgloop.webhook.ingest"
	SpanMatch     = "orgloop.route.match"
	SpanTransform = "orgloop.transform"
	SpanDeliver   = "orgloop.deliver"
)

// StartSpan starts a new span with the given name and options. A nil
// tracer yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to
// Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SourceAttr returns an attribute for the source id.
func SourceAttr(id string) attribute.KeyValue {
	return attribute.String(AttrSourceID, id)
}

// RouteAttr returns an attribute for the route name.
func RouteAttr(name string) attribute.KeyValue {
	return attribute.String(AttrRouteName, name)
}

// ActorAttr returns an attribute for the actor id.
func ActorAttr(id string) attribute.KeyValue {
	return attribute.String(AttrActorID, id)
}

// EventAttr returns an attribute for the event id.
func EventAttr(id string) attribute.KeyValue {
	return attribute.String(AttrEventID, id)
}

// OffsetAttr returns an attribute for a bus offset.
func OffsetAttr(offset uint64) attribute.KeyValue {
	return attribute.Int64(AttrBusOffset, int64(offset))
}
