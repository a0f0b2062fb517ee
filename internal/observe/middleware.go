package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// endpointName classifies an inbound request path into one of callwire's
// fixed HTTP surfaces. Unlike the raw path, this keeps the duration
// histogram's label cardinality bounded to the handful of routes the
// process actually serves.
func endpointName(path string) string {
	switch path {
	case "/twiml":
		return "webhook"
	case "/media-stream":
		return "media_stream"
	case "/healthz", "/readyz", "/health":
		return "health"
	default:
		return "unknown"
	}
}

// Middleware returns an [http.Handler] that:
//
//  1. Extracts W3C Trace Context from incoming request headers (or starts a
//     new trace).
//  2. Starts an OTel span for the request, tagged with the call session's
//     media-stream token when the request carries one.
//  3. Sets the X-Correlation-ID response header from the trace ID.
//  4. Records request duration to [Metrics.HTTPRequestDuration], bucketed
//     by endpoint rather than raw path.
//  5. Logs request completion with status code, duration, and the session
//     token (if any).
//  6. Ends the span on completion with status attributes.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			endpoint := endpointName(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			spanAttrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				attribute.String("callwire.endpoint", endpoint),
			}
			sessionToken := r.URL.Query().Get("token")
			if sessionToken != "" {
				spanAttrs = append(spanAttrs, attribute.String("callwire.session_token", sessionToken))
			}

			ctx, span := StartSpan(ctx, "callwire."+endpoint,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(spanAttrs...),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("endpoint", endpoint),
					attribute.Int("status", rec.statusCode),
				),
			)

			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			logAttrs := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("endpoint", endpoint),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			}
			if sessionToken != "" {
				logAttrs = append(logAttrs, slog.String("session_token", sessionToken))
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "request completed", logAttrs...)
		})
	}
}
