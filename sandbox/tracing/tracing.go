// Package tracing provides the thin OpenTelemetry span helper used
// throughout the backends as tracing.StartSpan / tracing.Attrs /
// tracing.End: start a span with a small attribute set, defer End with the
// call's error.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attrs is a convenience map for span attributes, mirroring the call sites'
// tracing.Attrs{...} literals.
type Attrs map[string]string

var tracer = otel.Tracer("sandboxd")

// StartSpan starts a span named name with the given attributes and returns
// the derived context plus the span. Callers defer tracing.End(span, err).
func StartSpan(ctx context.Context, name string, attrs Attrs) (context.Context, trace.Span) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(kvs...))
}

// End records err on the span (if non-nil) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	span.End()
}
