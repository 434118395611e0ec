package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetricsProvider(t *testing.T) {
	m, err := NewMetricsProvider(MetricsConfig{ServiceName: "bridge-test"})
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordSessionOpened(ctx)
	m.RecordSessionOpened(ctx)
	m.RecordSessionClosed(ctx, "closed", 3*time.Second)
	m.RecordEventAppended(ctx)
	m.RecordEventsDelivered(ctx, 4)
	m.RecordStreamOpened(ctx)
	m.RecordStreamClosed(ctx, "client_gone")
	m.RecordHTTPRequest(ctx, http.MethodPost, 200, 5*time.Millisecond)
	m.RecordMessage(ctx, "request", "ok", time.Millisecond)
	m.RecordError(ctx, "")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsAppended))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.eventsDelivered))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpTotal.WithLabelValues("POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorTotal.WithLabelValues("internal")))
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetricsProvider(MetricsConfig{Namespace: "it"})
	require.NoError(t, err)
	m.RecordSessionOpened(context.Background())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, m.Path(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "it_sessions_opened_total 1")
	assert.Equal(t, "/metrics", m.Path())
}

func TestProvidersDoNotShareRegistries(t *testing.T) {
	a, err := NewMetricsProvider(MetricsConfig{})
	require.NoError(t, err)
	b, err := NewMetricsProvider(MetricsConfig{})
	require.NoError(t, err)

	a.RecordSessionOpened(context.Background())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.sessionsOpened))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.sessionsOpened))
}

func newTestTracer(t *testing.T, cfg TracingConfig) (*TracingProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	cfg.Exporter = exporter
	tp, err := NewTracingProvider(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return tp, exporter
}

func TestHTTPMiddleware(t *testing.T) {
	tp, exporter := newTestTracer(t, TracingConfig{ServiceName: "bridge-test"})
	m, err := NewMetricsProvider(MetricsConfig{})
	require.NoError(t, err)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetAttributes(r.Context(), attribute.String("inner", "yes"))
		w.WriteHeader(http.StatusNotFound)
	})
	h := HTTPMiddleware(HTTPMiddlewareConfig{Tracer: tp, Metrics: m, SessionHeader: "Mcp-Session-Id"}, inner)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "mcp.bridge.delete", spans[0].Name)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "abc", attrs[AttrSessionID].AsString())
	assert.Equal(t, int64(404), attrs["http.status_code"].AsInt64())
	assert.Equal(t, "yes", attrs["inner"].AsString())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpTotal.WithLabelValues("DELETE", "404")))
}

func TestHTTPMiddlewareKeepsFlusher(t *testing.T) {
	var flushed bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		flushed = ok
		if ok {
			f.Flush()
		}
	})
	h := HTTPMiddleware(HTTPMiddlewareConfig{}, inner)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.True(t, flushed)
}

func TestOperationSampler(t *testing.T) {
	tp, exporter := newTestTracer(t, TracingConfig{SampleRate: 1, NeverSample: []string{"preflight"}})

	_, span := tp.StartOperationSpan(context.Background(), "preflight")
	span.End()
	_, span = tp.StartOperationSpan(context.Background(), "post")
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "mcp.bridge.post", spans[0].Name)
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracingProvider(TracingConfig{ExporterType: "carrier-pigeon"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported exporter type"))
}

func TestShutdownTwice(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
	require.NoError(t, tp.Shutdown(context.Background()))
}
