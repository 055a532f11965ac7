package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrSource        = "knowd.source"
	AttrHandler       = "knowd.handler"
	AttrCursor        = "knowd.cursor"
	AttrCorrelationID = "knowd.correlation_id"
	AttrKafkaTopic    = "messaging.kafka.topic"
	AttrHTTPTarget    = "http.target"
	AttrHTTPMethod    = "http.method"
	AttrErrorType     = "error.type"
)

// Span name constants for consistent span naming.
const (
	SpanBootstrap    = "knowd.bootstrap"
	SpanReplayPass   = "knowd.replay.pass"
	SpanDispatch     = "knowd.dispatch"
	SpanIndex        = "knowd.index"
	SpanEmbed        = "knowd.embed"
	SpanKafkaPublish = "kafka.publish"
	SpanHTTPDeliver  = "http.deliver"
)

// StartSpan starts a new span with the given name and options. If tracer is
// nil, returns a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
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

// SourceAttr returns an attribute for the sync source name.
func SourceAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSource, name)
}

// HandlerAttr returns an attribute for the handler name.
func HandlerAttr(name string) attribute.KeyValue {
	return attribute.String(AttrHandler, name)
}

// CursorAttr returns an attribute for a change log position.
func CursorAttr(cursor uint64) attribute.KeyValue {
	return attribute.Int64(AttrCursor, int64(cursor))
}

// CorrelationAttr returns an attribute for the correlation ID.
func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// HTTPTargetAttr returns an attribute for the HTTP target URL.
func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

// HTTPMethodAttr returns an attribute for the HTTP method.
func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}

// ErrorTypeAttr returns an attribute for the error type.
func ErrorTypeAttr(errType string) attribute.KeyValue {
	return attribute.String(AttrErrorType, errType)
}
