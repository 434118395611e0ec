package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Prometheus configuration
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)
	MetricsAddr string // Listen address for a dedicated metrics server; empty disables Start

	// Metric options
	Namespace        string    // Prometheus namespace (default: mcp_bridge)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Labels to add to all metrics
	ConstLabels prometheus.Labels

	// Registry receives the collectors. Defaults to a private registry so
	// several providers can coexist in one process.
	Registry *prometheus.Registry
}

// MetricsProvider records bridge metrics
type MetricsProvider interface {
	// HTTP surface
	RecordHTTPRequest(ctx context.Context, method string, status int, duration time.Duration)

	// JSON-RPC messages routed into sessions
	RecordMessage(ctx context.Context, kind, outcome string, duration time.Duration)

	// Session lifecycle
	RecordSessionOpened(ctx context.Context)
	RecordSessionClosed(ctx context.Context, reason string, lifetime time.Duration)

	// Event buffer and streams
	RecordEventAppended(ctx context.Context)
	RecordEventsDelivered(ctx context.Context, n int)
	RecordStreamOpened(ctx context.Context)
	RecordStreamClosed(ctx context.Context, reason string)

	// Errors by taxonomy kind
	RecordError(ctx context.Context, kind string)
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	httpDuration    *prometheus.HistogramVec
	httpTotal       *prometheus.CounterVec
	messageDuration *prometheus.HistogramVec
	messageTotal    *prometheus.CounterVec

	sessionsOpened  prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	sessionLifetime prometheus.Histogram
	activeSessions  prometheus.Gauge

	eventsAppended  prometheus.Counter
	eventsDelivered prometheus.Counter
	activeStreams   prometheus.Gauge
	streamsClosed   *prometheus.CounterVec

	errorTotal *prometheus.CounterVec
}

var _ MetricsProvider = (*PrometheusMetricsProvider)(nil)

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "mcp_bridge"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	provider := &PrometheusMetricsProvider{
		config:   config,
		registry: config.Registry,
	}
	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return provider, nil
}

func (p *PrometheusMetricsProvider) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

func (p *PrometheusMetricsProvider) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		Buckets:     p.config.HistogramBuckets,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

func (p *PrometheusMetricsProvider) counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	})
}

func (p *PrometheusMetricsProvider) gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	})
}

// initializeMetrics creates all metric collectors
func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.httpDuration = p.histogramVec("http_request_duration_milliseconds",
		"Duration of HTTP calls on the bridge endpoint in milliseconds", "method", "status")
	p.httpTotal = p.counterVec("http_requests_total",
		"Total number of HTTP calls on the bridge endpoint", "method", "status")

	p.messageDuration = p.histogramVec("message_duration_milliseconds",
		"Duration of JSON-RPC message handling in milliseconds", "kind", "outcome")
	p.messageTotal = p.counterVec("messages_total",
		"Total number of JSON-RPC messages routed into sessions", "kind", "outcome")

	p.sessionsOpened = p.counter("sessions_opened_total", "Total number of sessions bound in the registry")
	p.sessionsClosed = p.counterVec("sessions_closed_total", "Total number of sessions closed", "reason")
	p.sessionLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "session_lifetime_seconds",
		Help:        "Lifetime of closed sessions in seconds",
		Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
		ConstLabels: p.config.ConstLabels,
	})
	p.activeSessions = p.gauge("active_sessions", "Number of sessions currently bound")

	p.eventsAppended = p.counter("events_appended_total", "Total number of server-to-client events buffered")
	p.eventsDelivered = p.counter("events_delivered_total", "Total number of events written to event streams")
	p.activeStreams = p.gauge("active_streams", "Number of open event streams")
	p.streamsClosed = p.counterVec("streams_closed_total", "Total number of event streams ended", "reason")

	p.errorTotal = p.counterVec("errors_total", "Total number of errors by kind", "kind")
}

// registerMetrics registers all metrics with the registry
func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.httpDuration, p.httpTotal,
		p.messageDuration, p.messageTotal,
		p.sessionsOpened, p.sessionsClosed, p.sessionLifetime, p.activeSessions,
		p.eventsAppended, p.eventsDelivered, p.activeStreams, p.streamsClosed,
		p.errorTotal,
	}

	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Registry returns the registry holding the bridge collectors
func (p *PrometheusMetricsProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Path returns the configured metrics path
func (p *PrometheusMetricsProvider) Path() string {
	return p.config.MetricsPath
}

func (p *PrometheusMetricsProvider) RecordHTTPRequest(ctx context.Context, method string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	p.httpDuration.WithLabelValues(method, code).Observe(float64(duration.Milliseconds()))
	p.httpTotal.WithLabelValues(method, code).Inc()
}

func (p *PrometheusMetricsProvider) RecordMessage(ctx context.Context, kind, outcome string, duration time.Duration) {
	p.messageDuration.WithLabelValues(kind, outcome).Observe(float64(duration.Milliseconds()))
	p.messageTotal.WithLabelValues(kind, outcome).Inc()
}

func (p *PrometheusMetricsProvider) RecordSessionOpened(ctx context.Context) {
	p.sessionsOpened.Inc()
	p.activeSessions.Inc()
}

func (p *PrometheusMetricsProvider) RecordSessionClosed(ctx context.Context, reason string, lifetime time.Duration) {
	p.sessionsClosed.WithLabelValues(reason).Inc()
	p.sessionLifetime.Observe(lifetime.Seconds())
	p.activeSessions.Dec()
}

func (p *PrometheusMetricsProvider) RecordEventAppended(ctx context.Context) {
	p.eventsAppended.Inc()
}

func (p *PrometheusMetricsProvider) RecordEventsDelivered(ctx context.Context, n int) {
	p.eventsDelivered.Add(float64(n))
}

func (p *PrometheusMetricsProvider) RecordStreamOpened(ctx context.Context) {
	p.activeStreams.Inc()
}

func (p *PrometheusMetricsProvider) RecordStreamClosed(ctx context.Context, reason string) {
	p.activeStreams.Dec()
	p.streamsClosed.WithLabelValues(reason).Inc()
}

func (p *PrometheusMetricsProvider) RecordError(ctx context.Context, kind string) {
	if kind == "" {
		kind = "internal"
	}
	p.errorTotal.WithLabelValues(kind).Inc()
}

// Start serves the metrics endpoint on MetricsAddr. It is a no-op when no
// address is configured.
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	if p.config.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, p.Handler())

	p.server = &http.Server{
		Addr:              p.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = p.server.ListenAndServe()
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ MetricsProvider = NoopMetrics{}

func (NoopMetrics) RecordHTTPRequest(context.Context, string, int, time.Duration) {}
func (NoopMetrics) RecordMessage(context.Context, string, string, time.Duration) {}
func (NoopMetrics) RecordSessionOpened(context.Context) {}
func (NoopMetrics) RecordSessionClosed(context.Context, string, time.Duration) {}
func (NoopMetrics) RecordEventAppended(context.Context) {}
func (NoopMetrics) RecordEventsDelivered(context.Context, int) {}
func (NoopMetrics) RecordStreamOpened(context.Context) {}
func (NoopMetrics) RecordStreamClosed(context.Context, string) {}
func (NoopMetrics) RecordError(context.Context, string) {}
