package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request using W3C trace context
// propagation. Span names use the route pattern so unit IDs never end up in
// them; the raw unit or shipping ID is recorded as an attribute instead.
// Place it after RequestID so the request ID is attached to the span.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		annotated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("request.id", id))
			}
			if scanner := r.Header.Get(ScannerIDHeader); scanner != "" {
				span.SetAttributes(attribute.String("pos.scanner_id", scanner))
			}
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(annotated, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/ready" && r.URL.Path != "/metrics"
			}),
		)
	}
}

// GetTraceID returns the active trace ID, or "" when the request is not traced.
func GetTraceID(r *http.Request) string {
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID returns the active span ID, or "".
func GetSpanID(r *http.Request) string {
	if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
		return sc.SpanID().String()
	}
	return ""
}
