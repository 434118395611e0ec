package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/observability"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

// Status is the handshake state of a transport.
type Status int32

const (
	StatusPending Status = iota
	StatusInitializing
	StatusActive
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInitializing:
		return "initializing"
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyConnected is returned by a second Connect call.
	ErrAlreadyConnected = errors.New("transport: engine already connected")

	// ErrNotConnected is returned when traffic arrives before Connect.
	ErrNotConnected = errors.New("transport: no engine connected")

	// ErrStreamSuperseded ends a stream replaced by a newer one for the same
	// session.
	ErrStreamSuperseded = errors.New("transport: stream superseded")

	// ErrSessionClosed ends a stream whose session was closed.
	ErrSessionClosed = errors.New("transport: session closed")
)

const (
	defaultReplayBatchSize = 256
	storeCleanupTimeout    = 5 * time.Second
)

// SessionInfo is a point-in-time view of a transport.
type SessionInfo struct {
	ID           string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
}

// Result carries the responses produced by one HandleIncoming call, in
// request order. It is empty when the body held only notifications and
// responses.
type Result struct {
	Responses []*protocol.Response
	Batch     bool
}

// Empty reports whether there is nothing to send back.
func (r *Result) Empty() bool {
	return r == nil || len(r.Responses) == 0
}

// Option configures a Transport.
type Option func(*Transport)

// WithEventStore sets the buffer for server-to-client events.
func WithEventStore(store eventstore.Store) Option {
	return func(t *Transport) {
		if store != nil {
			t.store = store
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics provider.
func WithMetrics(metrics observability.MetricsProvider) Option {
	return func(t *Transport) {
		if metrics != nil {
			t.metrics = metrics
		}
	}
}

// WithSessionIDGenerator replaces the UUIDv4 generator used at handshake.
func WithSessionIDGenerator(gen func() string) Option {
	return func(t *Transport) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// WithInitializeHook registers a callback run after the identifier is minted
// and before the engine sees the initialize request. A hook error aborts the
// handshake and closes the transport.
func WithInitializeHook(hook func(id string, t *Transport) error) Option {
	return func(t *Transport) {
		t.onInitialize = hook
	}
}

// WithRequestTimeout bounds server-initiated requests. Zero waits until the
// caller's context ends or the session closes.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.requestTimeout = d
	}
}

// WithRetainEvents keeps the session's events in the store after Close.
func WithRetainEvents(retain bool) Option {
	return func(t *Transport) {
		t.retain = retain
	}
}

// WithReplayBatchSize sets how many events a stream reads from the store at
// a time.
func WithReplayBatchSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replayBatch = n
		}
	}
}

// Transport binds one session to one engine handler and buffers the
// session's server-to-client events.
type Transport struct {
	mu           sync.Mutex
	status       Status
	sessionID    string
	createdAt    time.Time
	lastActivity atomic.Int64
	connected    bool
	handler      Handler
	stream       *Stream
	cause        error

	// appendMu orders appends against the store cleanup in Close.
	appendMu sync.Mutex

	store          eventstore.Store
	retain         bool
	replayBatch    int
	newID          func() string
	onInitialize   func(id string, t *Transport) error
	requestTimeout time.Duration
	logger         logging.Logger
	metrics        observability.MetricsProvider

	pending   *pendingTable
	nextReqID atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*Transport)(nil)

// New creates a pending transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		status:      StatusPending,
		store:       eventstore.NewMemoryStore(),
		replayBatch: defaultReplayBatchSize,
		newID:       uuid.NewString,
		logger:      logging.NewNop(),
		metrics:     observability.NoopMetrics{},
		pending:     newPendingTable(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.touch()
	return t
}

// Connect binds the engine to this transport. It may be called once.
func (t *Transport) Connect(ctx context.Context, engine Engine) error {
	t.mu.Lock()
	if t.status == StatusClosed {
		sid := t.sessionID
		t.mu.Unlock()
		return mcperrors.TransportClosed(sid)
	}
	if t.connected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	handler, err := engine.Connect(ctx, t)
	if err != nil {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		return fmt.Errorf("connect engine: %w", err)
	}
	if handler == nil {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		return fmt.Errorf("connect engine: %w", ErrNotConnected)
	}

	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	return nil
}

// SessionID returns the session identifier, or "" while pending.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Status returns the handshake state.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed exactly once, when the transport closes.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the cause passed to Fail, or nil after a plain Close.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// LastActivity returns the time of the last incoming message, stream attach
// or delivered event.
func (t *Transport) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// Info returns a snapshot of the transport.
func (t *Transport) Info() SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SessionInfo{
		ID:           t.sessionID,
		Status:       t.status,
		CreatedAt:    t.createdAt,
		LastActivity: t.LastActivity(),
	}
}

// Streaming reports whether a consumer is attached.
func (t *Transport) Streaming() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream != nil
}

func (t *Transport) touch() {
	t.lastActivity.Store(time.Now().UnixNano())
}

// refreshEvents keeps an expiring store from dropping the session's events
// while the session is in use.
func (t *Transport) refreshEvents(ctx context.Context, sid string) {
	r, ok := t.store.(eventstore.Refresher)
	if !ok || sid == "" {
		return
	}
	if err := r.Refresh(ctx, sid); err != nil {
		t.logger.WithError(err).Warn("Cannot refresh event retention", logging.String("session_id", sid))
	}
}

// HandleIncoming routes one POST body into the session. It returns the
// responses to send back, or an error from the bridge taxonomy.
func (t *Transport) HandleIncoming(ctx context.Context, body []byte) (*Result, error) {
	t.mu.Lock()
	status, sid, handler := t.status, t.sessionID, t.handler
	t.mu.Unlock()

	if status == StatusClosed {
		return nil, mcperrors.TransportClosed(sid)
	}
	t.touch()

	msgs, batch, err := protocol.Decode(body)
	if err != nil {
		t.metrics.RecordMessage(ctx, "unknown", "malformed", 0)
		return nil, mcperrors.Decode(err)
	}

	if init := findInitialize(msgs); init != nil {
		if batch {
			return nil, mcperrors.InvalidRequest(sid, "initialize request must not be part of a batch")
		}
		return t.handleInitialize(ctx, init)
	}

	if status != StatusActive {
		return nil, mcperrors.InvalidRequest(sid, "session not initialized")
	}
	if handler == nil {
		return nil, mcperrors.Engine(sid, ErrNotConnected, false)
	}
	t.refreshEvents(ctx, sid)

	ctx = logging.ContextWithSessionID(ctx, sid)
	result := &Result{Batch: batch}
	for _, msg := range msgs {
		resp, err := t.dispatch(ctx, sid, handler, msg)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			result.Responses = append(result.Responses, resp)
		}
	}
	return result, nil
}

func findInitialize(msgs []*protocol.Message) *protocol.Request {
	for _, msg := range msgs {
		if msg.Kind == protocol.KindRequest && msg.Request.Method == protocol.MethodInitialize {
			return msg.Request
		}
	}
	return nil
}

func (t *Transport) handleInitialize(ctx context.Context, req *protocol.Request) (*Result, error) {
	t.mu.Lock()
	if t.status != StatusPending {
		sid := t.sessionID
		t.mu.Unlock()
		return nil, mcperrors.InvalidRequest(sid, "session already initialized")
	}
	if t.handler == nil {
		t.mu.Unlock()
		return nil, mcperrors.Engine("", ErrNotConnected, false)
	}
	sid := t.newID()
	t.sessionID = sid
	t.createdAt = time.Now()
	t.status = StatusInitializing
	handler, hook := t.handler, t.onInitialize
	t.mu.Unlock()

	logger := t.logger.WithFields(logging.String("session_id", sid))
	logger.Debug("Session initializing")

	if hook != nil {
		if err := hook(sid, t); err != nil {
			// The identifier may belong to another transport; never touch
			// its events.
			t.mu.Lock()
			t.sessionID = ""
			t.mu.Unlock()
			t.Fail(err)
			return nil, err
		}
	}

	ctx = logging.ContextWithSessionID(ctx, sid)
	start := time.Now()
	resp, err := t.callRequest(ctx, handler, req)
	if err != nil {
		engineErr := mcperrors.Engine(sid, err, true)
		t.metrics.RecordMessage(ctx, protocol.KindRequest.String(), "engine_error", time.Since(start))
		t.Fail(engineErr)
		return nil, engineErr
	}
	if resp == nil {
		engineErr := mcperrors.Engine(sid, errors.New("engine returned no initialize response"), true)
		t.Fail(engineErr)
		return nil, engineErr
	}
	resp.ID = req.ID

	if resp.IsError() {
		t.metrics.RecordMessage(ctx, protocol.KindRequest.String(), "rejected", time.Since(start))
		t.Fail(fmt.Errorf("initialize rejected: %w", resp.Error))
		return &Result{Responses: []*protocol.Response{resp}}, nil
	}

	t.mu.Lock()
	if t.status == StatusInitializing {
		t.status = StatusActive
	}
	t.mu.Unlock()

	t.metrics.RecordMessage(ctx, protocol.KindRequest.String(), "ok", time.Since(start))
	logger.Info("Session initialized")
	return &Result{Responses: []*protocol.Response{resp}}, nil
}

func (t *Transport) dispatch(ctx context.Context, sid string, handler Handler, msg *protocol.Message) (*protocol.Response, error) {
	start := time.Now()
	kind := msg.Kind.String()

	switch msg.Kind {
	case protocol.KindRequest:
		resp, err := t.callRequest(ctx, handler, msg.Request)
		if err == nil && resp == nil {
			err = fmt.Errorf("engine returned no response to %s", msg.Request.Method)
		}
		if err != nil {
			t.metrics.RecordMessage(ctx, kind, "engine_error", time.Since(start))
			return nil, t.engineFailure(sid, err)
		}
		if resp.ID == nil {
			resp.ID = msg.Request.ID
		}
		t.metrics.RecordMessage(ctx, kind, "ok", time.Since(start))
		return resp, nil

	case protocol.KindNotification:
		if err := t.callNotification(ctx, handler, msg.Notification); err != nil {
			t.metrics.RecordMessage(ctx, kind, "engine_error", time.Since(start))
			return nil, t.engineFailure(sid, err)
		}
		t.metrics.RecordMessage(ctx, kind, "ok", time.Since(start))
		return nil, nil

	case protocol.KindResponse:
		if !t.pending.resolve(msg.Response) {
			t.metrics.RecordMessage(ctx, kind, "rejected", time.Since(start))
			return nil, mcperrors.InvalidRequest(sid, fmt.Sprintf("no pending request with id %v", msg.Response.ID))
		}
		t.metrics.RecordMessage(ctx, kind, "ok", time.Since(start))
		return nil, nil
	}
	return nil, mcperrors.InvalidRequest(sid, "unsupported message")
}

// engineFailure wraps err as an EngineError and closes the session when the
// engine marked it fatal.
func (t *Transport) engineFailure(sid string, err error) error {
	fatal := mcperrors.IsFatal(err)
	engineErr := mcperrors.Engine(sid, err, fatal)
	if fatal {
		t.Fail(engineErr)
	} else {
		t.logger.WithError(err).Warn("Engine error", logging.String("session_id", sid))
	}
	return engineErr
}

func (t *Transport) callRequest(ctx context.Context, h Handler, req *protocol.Request) (resp *protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic handling %s: %v", req.Method, r)
		}
	}()
	return h.HandleRequest(ctx, req)
}

func (t *Transport) callNotification(ctx context.Context, h Handler, n *protocol.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic handling %s: %v", n.Method, r)
		}
	}()
	return h.HandleNotification(ctx, n)
}

// Notify buffers a server-to-client notification.
func (t *Transport) Notify(ctx context.Context, method string, params interface{}) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = t.appendEvent(ctx, payload)
	return err
}

// Send buffers an already encoded JSON-RPC message.
func (t *Transport) Send(ctx context.Context, payload []byte) (eventstore.Event, error) {
	if !json.Valid(payload) {
		return eventstore.Event{}, mcperrors.Decode(protocol.ErrParse)
	}
	return t.appendEvent(ctx, payload)
}

func (t *Transport) appendEvent(ctx context.Context, payload []byte) (eventstore.Event, error) {
	t.appendMu.Lock()

	t.mu.Lock()
	status, sid := t.status, t.sessionID
	t.mu.Unlock()

	switch status {
	case StatusClosed:
		t.appendMu.Unlock()
		return eventstore.Event{}, mcperrors.TransportClosed(sid)
	case StatusPending:
		t.appendMu.Unlock()
		return eventstore.Event{}, mcperrors.InvalidRequest("", "session not initialized")
	}

	ev, err := t.store.Append(ctx, sid, payload)
	t.appendMu.Unlock()
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("append event: %w", err)
	}
	t.metrics.RecordEventAppended(ctx)

	t.mu.Lock()
	s := t.stream
	t.mu.Unlock()
	if s != nil {
		s.signal()
	}
	return ev, nil
}

// Close terminates the session. It is safe to call more than once; only the
// first call has an effect.
func (t *Transport) Close() error {
	return t.closeWith(nil)
}

// Fail closes the transport recording cause as the reason.
func (t *Transport) Fail(cause error) {
	_ = t.closeWith(cause)
}

func (t *Transport) closeWith(cause error) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		prev := t.status
		t.status = StatusClosed
		t.cause = cause
		sid, handler, stream := t.sessionID, t.handler, t.stream
		t.mu.Unlock()

		close(t.done)
		t.pending.closeAll()
		if stream != nil {
			stream.cancel(ErrSessionClosed)
		}
		if handler != nil {
			if herr := handler.Close(); herr != nil {
				err = fmt.Errorf("close engine handler: %w", herr)
			}
		}

		if sid != "" && !t.retain {
			t.appendMu.Lock()
			ctx, cancel := context.WithTimeout(context.Background(), storeCleanupTimeout)
			if derr := t.store.Delete(ctx, sid); derr != nil && err == nil {
				err = fmt.Errorf("release events: %w", derr)
			}
			cancel()
			t.appendMu.Unlock()
		}

		fields := []logging.Field{
			logging.String("session_id", sid),
			logging.String("previous_status", prev.String()),
		}
		if cause != nil {
			t.logger.WithError(cause).Warn("Session closed", fields...)
		} else {
			t.logger.Info("Session closed", fields...)
		}
	})
	return err
}
