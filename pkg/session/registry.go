// Package session maps session identifiers to live transports.
//
// A Registry is an ordinary value: create one per HTTP endpoint and inject
// it into the router. Identifiers are bound when a transport completes the
// first half of its handshake and unbound when the transport closes, so a
// lookup never returns a closed session.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/observability"
	"github.com/ajitpratap0/mcp-bridge/pkg/transport"
)

// ErrIdleTimeout is the close cause of sessions evicted for inactivity.
var ErrIdleTimeout = errors.New("session: idle timeout")

// ErrRegistryClosed is returned by Bind after Close.
var ErrRegistryClosed = errors.New("session: registry closed")

const closeConcurrency = 16

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics provider shared with created transports.
func WithMetrics(metrics observability.MetricsProvider) Option {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithTransportOptions adds options applied to every transport from Create.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(r *Registry) {
		r.transportOpts = append(r.transportOpts, opts...)
	}
}

// WithIDGenerator replaces the UUIDv4 session identifier generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithIdleTimeout closes sessions with no activity for d. Zero, the default,
// keeps sessions until they are deleted or fail.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTimeout = d
	}
}

// WithSweepInterval sets how often idle sessions are looked for. It defaults
// to half the idle timeout.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.sweepInterval = d
	}
}

// Registry is the set of live sessions behind one endpoint.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*transport.Transport
	closed   bool

	newID         func() string
	transportOpts []transport.Option
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        logging.Logger
	metrics       observability.MetricsProvider

	cleanupStop chan struct{}
	stopOnce    sync.Once
	watchers    sync.WaitGroup
}

// NewRegistry creates an empty registry. When an idle timeout is configured
// a janitor goroutine runs until Close.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*transport.Transport),
		newID:       uuid.NewString,
		logger:      logging.NewNop(),
		metrics:     observability.NoopMetrics{},
		cleanupStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.idleTimeout > 0 {
		if r.sweepInterval <= 0 {
			r.sweepInterval = r.idleTimeout / 2
		}
		r.startSessionCleanup()
	}
	return r
}

// Create returns a pending transport whose handshake binds it into this
// registry.
func (r *Registry) Create() *transport.Transport {
	opts := []transport.Option{
		transport.WithLogger(r.logger),
		transport.WithMetrics(r.metrics),
	}
	opts = append(opts, r.transportOpts...)
	opts = append(opts,
		transport.WithSessionIDGenerator(r.newID),
		transport.WithInitializeHook(r.Bind),
	)
	return transport.New(opts...)
}

// Bind associates id with t. It fails with a ConflictError when id is
// already bound. The binding is dropped when t closes.
func (r *Registry) Bind(id string, t *transport.Transport) error {
	if id == "" {
		return mcperrors.InvalidRequest("", "empty session identifier")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		r.logger.Error("Session identifier collision", logging.String("session_id", id))
		r.metrics.RecordError(context.Background(), string(mcperrors.KindConflict))
		return mcperrors.Conflict(id)
	}
	r.sessions[id] = t
	r.watchers.Add(1)
	r.mu.Unlock()

	r.metrics.RecordSessionOpened(context.Background())
	r.logger.Debug("Session bound", logging.String("session_id", id))

	go r.watch(id, t, time.Now())
	return nil
}

// watch unbinds id once t closes.
func (r *Registry) watch(id string, t *transport.Transport, boundAt time.Time) {
	defer r.watchers.Done()
	<-t.Done()

	r.mu.Lock()
	if r.sessions[id] == t {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	reason := "closed"
	switch err := t.Err(); {
	case errors.Is(err, ErrIdleTimeout):
		reason = "evicted"
	case err != nil:
		reason = "failed"
	}
	r.metrics.RecordSessionClosed(context.Background(), reason, time.Since(boundAt))
	r.logger.Debug("Session unbound", logging.String("session_id", id), logging.String("reason", reason))
}

// Lookup returns the live transport bound to id. Missing, removed and closed
// sessions all yield an UnknownSessionError.
func (r *Registry) Lookup(id string) (*transport.Transport, error) {
	if id == "" {
		return nil, mcperrors.UnknownSession("")
	}

	r.mu.RLock()
	t, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok || t.Status() == transport.StatusClosed {
		return nil, mcperrors.UnknownSession(id)
	}
	return t, nil
}

// Remove drops the binding for id without closing the transport. Removing
// an unknown identifier is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of every bound session, oldest first.
func (r *Registry) Sessions() []transport.SessionInfo {
	r.mu.RLock()
	infos := make([]transport.SessionInfo, 0, len(r.sessions))
	for _, t := range r.sessions {
		infos = append(infos, t.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Close closes every bound transport and stops the janitor. Further binds
// fail. It returns once every session is unbound or ctx ends.
func (r *Registry) Close(ctx context.Context) error {
	r.stopSessionCleanup()

	r.mu.Lock()
	r.closed = true
	live := make([]*transport.Transport, 0, len(r.sessions))
	for _, t := range r.sessions {
		live = append(live, t)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, t := range live {
		t := t
		g.Go(t.Close)
	}
	closeErr := g.Wait()

	done := make(chan struct{})
	go func() {
		r.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info("Session registry closed", logging.Int("sessions", len(live)))
	return closeErr
}

// startSessionCleanup runs the idle-session janitor.
func (r *Registry) startSessionCleanup() {
	ticker := time.NewTicker(r.sweepInterval)
	r.watchers.Add(1)

	go func() {
		defer r.watchers.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.cleanupIdleSessions(time.Now())
			case <-r.cleanupStop:
				return
			}
		}
	}()

	r.logger.Info("Started idle session cleanup",
		logging.Duration("idle_timeout", r.idleTimeout),
		logging.Duration("interval", r.sweepInterval))
}

// cleanupIdleSessions closes sessions idle since before now minus the idle
// timeout. Sessions with an attached stream are never idle.
func (r *Registry) cleanupIdleSessions(now time.Time) int {
	cutoff := now.Add(-r.idleTimeout)

	r.mu.RLock()
	var idle []*transport.Transport
	for _, t := range r.sessions {
		if !t.Streaming() && t.LastActivity().Before(cutoff) {
			idle = append(idle, t)
		}
	}
	r.mu.RUnlock()

	for _, t := range idle {
		t.Fail(ErrIdleTimeout)
	}
	if len(idle) > 0 {
		r.logger.Info("Evicted idle sessions", logging.Int("count", len(idle)))
	}
	return len(idle)
}

func (r *Registry) stopSessionCleanup() {
	r.stopOnce.Do(func() {
		close(r.cleanupStop)
	})
}
