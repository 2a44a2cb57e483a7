package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes set by the console.
var (
	AttrSessionID     = attribute.Key("console.session.id")
	AttrAuthenticated = attribute.Key("console.session.authenticated")
	AttrSubject       = attribute.Key("enduser.id")
	AttrRequestID     = attribute.Key("request.id")
	AttrAuditEvent    = attribute.Key("console.audit.event")
)

// AddSpanAttributes sets attrs on the span in ctx if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError marks the span in ctx as failed.
func RecordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
