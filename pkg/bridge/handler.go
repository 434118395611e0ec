// Package bridge serves MCP sessions over Streamable HTTP.
//
// One Handler fronts one endpoint. POST carries client messages, GET opens
// a resumable event stream and DELETE ends a session. Sessions live in an
// injected session.Registry, so several handlers (or tests) never share
// state by accident.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/observability"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
	"github.com/ajitpratap0/mcp-bridge/pkg/session"
	"github.com/ajitpratap0/mcp-bridge/pkg/transport"
)

const (
	// DefaultEndpoint is the path the handler serves.
	DefaultEndpoint = "/mcp"
	// DefaultSessionHeader carries the session id on every request after
	// initialize.
	DefaultSessionHeader = "Mcp-Session-Id"
	// DefaultKeepAlive is the interval between comment frames on an idle
	// event stream.
	DefaultKeepAlive = 15 * time.Second
	// DefaultRetry is the reconnect delay advertised in each stream's first
	// retry field.
	DefaultRetry = 3 * time.Second
	// DefaultMaxBodyBytes caps the size of a POST body.
	DefaultMaxBodyBytes = 4 << 20

	lastEventIDHeader = "Last-Event-ID"
	allowedMethods    = "GET, POST, DELETE, OPTIONS"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// Option configures a Handler.
type Option func(*Handler)

// WithEndpoint sets the path the handler answers on.
func WithEndpoint(path string) Option {
	return func(h *Handler) {
		if path != "" {
			h.endpoint = path
		}
	}
}

// WithSessionHeader renames the session identifier header.
func WithSessionHeader(name string) Option {
	return func(h *Handler) {
		if name != "" {
			h.sessionHeader = name
		}
	}
}

// WithAllowedOrigins replaces the Origin allow-list. Entries are exact
// origins, localhost patterns such as "http://localhost" (which also match
// any port) or "*".
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		h.allowedOrigins = append([]string(nil), origins...)
	}
}

// WithKeepAlive sets the interval between keep-alive comments on streams.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// WithRetry sets the reconnect delay advertised at the start of a stream.
func WithRetry(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.retry = d
		}
	}
}

// WithMaxBodyBytes limits POST bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics sets the metrics provider.
func WithMetrics(metrics observability.MetricsProvider) Option {
	return func(h *Handler) {
		if metrics != nil {
			h.metrics = metrics
		}
	}
}

// WithTracer enables a span per call.
func WithTracer(tp *observability.TracingProvider) Option {
	return func(h *Handler) {
		h.tracer = tp
	}
}

// Handler is the HTTP front of a session registry.
type Handler struct {
	registry *session.Registry
	engine   transport.Engine

	endpoint       string
	sessionHeader  string
	allowedOrigins []string
	keepAlive      time.Duration
	retry          time.Duration
	maxBody        int64
	logger         logging.Logger
	metrics        observability.MetricsProvider
	tracer         *observability.TracingProvider

	next http.Handler
}

// NewHandler returns a handler that opens sessions in registry and connects
// each of them to engine.
func NewHandler(registry *session.Registry, engine transport.Engine, opts ...Option) *Handler {
	h := &Handler{
		registry:       registry,
		engine:         engine,
		endpoint:       DefaultEndpoint,
		sessionHeader:  DefaultSessionHeader,
		allowedOrigins: append([]string(nil), localhostOrigins...),
		keepAlive:      DefaultKeepAlive,
		retry:          DefaultRetry,
		maxBody:        DefaultMaxBodyBytes,
		logger:         logging.NewNop(),
		metrics:        observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(h)
	}

	var next http.Handler = http.HandlerFunc(h.route)
	next = observability.HTTPMiddleware(observability.HTTPMiddlewareConfig{
		Tracer:        h.tracer,
		Metrics:       h.metrics,
		SessionHeader: h.sessionHeader,
	}, next)
	h.next = logging.HTTPMiddleware(h.logger, h.sessionHeader)(next)
	return h
}

// Endpoint returns the path the handler answers on.
func (h *Handler) Endpoint() string {
	return h.endpoint
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.endpoint {
		http.NotFound(w, r)
		return
	}

	origin := r.Header.Get("Origin")
	if !h.isOriginAllowed(origin) {
		h.writeError(w, r, mcperrors.OriginForbidden(origin), nil)
		return
	}
	h.setCORSHeaders(w, origin)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", allowedMethods)
		h.writeError(w, r, mcperrors.MethodNotAllowed(r.Method), nil)
	}
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, origin string) {
	hdr := w.Header()
	if origin != "" {
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Add("Vary", "Origin")
	}
	hdr.Set("Access-Control-Allow-Methods", allowedMethods)
	hdr.Set("Access-Control-Allow-Headers", "Content-Type, Accept, "+h.sessionHeader+", "+lastEventIDHeader)
	hdr.Set("Access-Control-Expose-Headers", h.sessionHeader)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	wantsJSON, wantsSSE := accepts(r.Header.Get("Accept"))
	if !wantsJSON && !wantsSSE {
		h.writeError(w, r, mcperrors.NotAcceptable(contentTypeJSON+" or "+contentTypeSSE), nil)
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	var t *transport.Transport
	if sid := r.Header.Get(h.sessionHeader); sid != "" {
		t, err = h.registry.Lookup(sid)
	} else {
		t, err = h.open(r.Context(), body)
	}
	if err != nil {
		h.writeError(w, r, err, body)
		return
	}

	res, err := t.HandleIncoming(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err, body)
		return
	}
	if t.Status() == transport.StatusActive {
		w.Header().Set(h.sessionHeader, t.SessionID())
	}

	if res.Empty() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload interface{} = res.Responses[0]
	if res.Batch {
		payload = res.Responses
	}
	if !wantsJSON {
		h.writeResponseStream(w, r, res.Responses)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.writeError(w, r, err, body)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.WithContext(r.Context()).Debug("Response write failed", logging.ErrorField(err))
	}
}

// open starts a session for a POST without an identifier. Only an
// initialize request may do that.
func (h *Handler) open(ctx context.Context, body []byte) (*transport.Transport, error) {
	if _, _, err := protocol.Decode(body); err != nil {
		return nil, mcperrors.Decode(err)
	}
	if !protocol.IsInitializeRequest(body) {
		return nil, mcperrors.UnknownSession("")
	}

	t := h.registry.Create()
	if err := t.Connect(context.WithoutCancel(ctx), h.engine); err != nil {
		t.Close()
		if _, ok := mcperrors.AsMCPError(err); ok {
			return nil, err
		}
		return nil, mcperrors.Engine("", err, true)
	}
	return t, nil
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, mcperrors.PayloadTooLarge(tooLarge.Limit)
		}
		return nil, mcperrors.Decode(err)
	}
	return body, nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, wantsSSE := accepts(r.Header.Get("Accept")); !wantsSSE {
		h.writeError(w, r, mcperrors.NotAcceptable(contentTypeSSE), nil)
		return
	}

	sid := r.Header.Get(h.sessionHeader)
	t, err := h.registry.Lookup(sid)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	lastSeq, err := parseLastEventID(r.Header.Get(lastEventIDHeader))
	if err != nil {
		h.writeError(w, r, mcperrors.InvalidRequest(sid, err.Error()), nil)
		return
	}

	stream, err := t.HandleResumption(r.Context(), lastSeq)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	defer stream.Close()

	observability.SetAttributes(r.Context(), observability.AttrLastEventID.Int64(int64(lastSeq)))
	w.Header().Set(h.sessionHeader, sid)
	h.serveStream(w, r, stream)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, err := h.registry.Lookup(r.Header.Get(h.sessionHeader))
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	if err := t.Close(); err != nil {
		h.logger.WithContext(r.Context()).Warn("Session closed with error",
			logging.String("session_id", t.SessionID()), logging.ErrorField(err))
	}
	w.WriteHeader(http.StatusOK)
}

// parseLastEventID reads a Last-Event-ID header. An absent header means
// the stream starts from the first buffered event.
func parseLastEventID(v string) (uint64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.New("malformed Last-Event-ID " + strconv.Quote(v))
	}
	return seq, nil
}

// accepts reports whether an Accept header admits JSON and event streams.
// A missing header admits both.
func accepts(header string) (wantJSON, wantSSE bool) {
	if strings.TrimSpace(header) == "" {
		return true, true
	}
	for _, part := range strings.Split(header, ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		switch strings.ToLower(strings.TrimSpace(mediaType)) {
		case "*/*":
			wantJSON, wantSSE = true, true
		case contentTypeJSON, "application/*":
			wantJSON = true
		case contentTypeSSE, "text/*":
			wantSSE = true
		}
	}
	return wantJSON, wantSSE
}
