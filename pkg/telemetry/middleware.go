package telemetry

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName identifies the HTTP server tracer of the orchestrator
	TracerName = "saga-orchestrator/http"

	// TraceIDHeader is the header key for trace ID
	TraceIDHeader = "X-Trace-ID"

	// SpanIDHeader is the header key for span ID
	SpanIDHeader = "X-Span-ID"
)

// Span attribute keys for the saga domain
const (
	AttrSagaID    = attribute.Key("saga.id")
	AttrSagaState = attribute.Key("saga.state")
	AttrErrorCode = attribute.Key("error.code")
)

// TracingMiddleware traces every admin API request. Requests addressing a
// single saga carry its ID as a span attribute, so a trace can be joined
// with the saga record and its transition history.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	tracer := otel.Tracer(TracerName)
	propagator := otel.GetTextMapPropagator()

	return func(c *gin.Context) {
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		spanName := c.FullPath()
		if spanName == "" {
			spanName = c.Request.URL.Path
		}
		spanName = fmt.Sprintf("%s %s", c.Request.Method, spanName)

		attrs := []attribute.KeyValue{
			semconv.HTTPMethod(c.Request.Method),
			semconv.HTTPRoute(c.FullPath()),
			semconv.NetHostName(c.Request.Host),
			attribute.String("service.name", serviceName),
			attribute.String("http.client_ip", c.ClientIP()),
		}
		if sagaID := c.Param("id"); sagaID != "" {
			attrs = append(attrs, AttrSagaID.String(sagaID))
		}
		if state := c.Param("state"); state != "" {
			attrs = append(attrs, AttrSagaState.String(state))
		}

		ctx, span := tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		// Expose trace identity to the caller and to the access log
		if span.SpanContext().HasTraceID() {
			traceID := span.SpanContext().TraceID().String()
			c.Header(TraceIDHeader, traceID)
			c.Set("trace_id", traceID)
		}
		if span.SpanContext().HasSpanID() {
			spanID := span.SpanContext().SpanID().String()
			c.Header(SpanIDHeader, spanID)
			c.Set("span_id", spanID)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCode(status))

		// Failed requests carry the envelope's error code, so traces can be
		// filtered by the saga error taxonomy
		if code, ok := c.Get("error_code"); ok {
			if s, ok := code.(string); ok && s != "" {
				span.SetAttributes(AttrErrorCode.String(s))
			}
		}
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
