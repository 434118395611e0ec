package observability

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddlewareConfig configures HTTPMiddleware.
type HTTPMiddlewareConfig struct {
	// Tracer starts a server span per call. Nil disables tracing.
	Tracer *TracingProvider

	// Metrics records one observation per call. Nil disables metrics.
	Metrics MetricsProvider

	// SessionHeader is copied onto the span when present.
	SessionHeader string
}

// HTTPMiddleware traces and measures every call on the bridge endpoint.
// Streams are measured when they end.
func HTTPMiddleware(config HTTPMiddlewareConfig, next http.Handler) http.Handler {
	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		var span trace.Span
		if config.Tracer != nil {
			ctx = config.Tracer.Extract(ctx, propagation.HeaderCarrier(r.Header))
			ctx, span = config.Tracer.StartOperationSpan(ctx, operationFor(r.Method))
			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			)
			if config.SessionHeader != "" {
				if sid := r.Header.Get(config.SessionHeader); sid != "" {
					span.SetAttributes(AttrSessionID.String(sid))
				}
			}
			defer span.End()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if span != nil {
			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		}
		config.Metrics.RecordHTTPRequest(ctx, r.Method, rec.status, time.Since(start))
	})
}

func operationFor(method string) string {
	switch method {
	case http.MethodPost:
		return "post"
	case http.MethodGet:
		return "stream"
	case http.MethodDelete:
		return "delete"
	case http.MethodOptions:
		return "preflight"
	default:
		return strings.ToLower(method)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush forwards to the wrapped writer so event streams keep working.
func (r *statusRecorder) Flush() {
	r.wroteHeader = true
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
