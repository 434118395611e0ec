package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
)

// Stream delivers a session's events to one consumer, starting after a
// cursor. Events are read from the store, so a slow or vanished consumer
// never loses or reorders anything; it only falls behind.
type Stream struct {
	t      *Transport
	ctx    context.Context
	cancel context.CancelCauseFunc
	wake   chan struct{}
	events chan eventstore.Event
	cursor atomic.Uint64

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// HandleResumption attaches a consumer that receives every event with a
// sequence greater than lastSeq, replayed first and then live. lastSeq zero
// replays the whole buffer. A previously attached stream is superseded.
//
// The stream ends when ctx is cancelled, when another stream replaces it or
// when the session closes. None of these discard buffered events.
func (t *Transport) HandleResumption(ctx context.Context, lastSeq uint64) (*Stream, error) {
	t.mu.Lock()
	status, sid := t.status, t.sessionID
	t.mu.Unlock()

	switch status {
	case StatusClosed:
		return nil, mcperrors.TransportClosed(sid)
	case StatusActive:
	default:
		return nil, mcperrors.InvalidRequest(sid, "session not initialized")
	}

	last, err := t.store.LastSequence(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	if lastSeq > last {
		return nil, mcperrors.InvalidRequest(sid, fmt.Sprintf("unknown event id %d", lastSeq))
	}

	sctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		t:      t,
		ctx:    sctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		events: make(chan eventstore.Event),
		done:   make(chan struct{}),
	}
	s.cursor.Store(lastSeq)

	t.mu.Lock()
	if t.status == StatusClosed {
		t.mu.Unlock()
		cancel(ErrSessionClosed)
		return nil, mcperrors.TransportClosed(sid)
	}
	prev := t.stream
	t.stream = s
	t.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrStreamSuperseded)
	}

	t.touch()
	t.metrics.RecordStreamOpened(ctx)
	t.logger.Debug("Stream attached",
		logging.String("session_id", sid),
		logging.Uint64("cursor", lastSeq),
		logging.Bool("superseded_previous", prev != nil))

	go s.run(sid)
	return s, nil
}

// Events returns the delivery channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan eventstore.Event {
	return s.events
}

// KeepAlive marks the session as in use while the stream is idle, so an
// expiring store keeps its events.
func (s *Stream) KeepAlive(ctx context.Context) {
	s.t.touch()
	s.t.refreshEvents(ctx, s.t.SessionID())
}

// Done is closed when the stream has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended: ErrStreamSuperseded, ErrSessionClosed,
// the consumer context's error, or a store failure.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cursor returns the sequence of the last event handed to the consumer.
func (s *Stream) Cursor() uint64 {
	return s.cursor.Load()
}

// Close detaches the consumer.
func (s *Stream) Close() {
	s.cancel(context.Canceled)
	<-s.done
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) run(sid string) {
	t := s.t
	var delivered int
	defer func() {
		t.mu.Lock()
		if t.stream == s {
			t.stream = nil
		}
		t.mu.Unlock()

		s.cancel(context.Canceled)
		close(s.events)
		close(s.done)

		err := s.Err()
		t.metrics.RecordEventsDelivered(s.ctx, delivered)
		t.metrics.RecordStreamClosed(s.ctx, streamCloseReason(err))
		t.logger.Debug("Stream detached",
			logging.String("session_id", sid),
			logging.Uint64("cursor", s.Cursor()),
			logging.Int("delivered", delivered),
			logging.String("reason", streamCloseReason(err)))
	}()

	for {
		batch, err := t.store.Replay(s.ctx, sid, s.cursor.Load(), t.replayBatch)
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(context.Cause(s.ctx))
			} else {
				s.finish(fmt.Errorf("replay events: %w", err))
			}
			return
		}

		for _, ev := range batch {
			select {
			case s.events <- ev:
				s.cursor.Store(ev.Sequence)
				delivered++
				t.touch()
			case <-s.ctx.Done():
				s.finish(context.Cause(s.ctx))
				return
			case <-t.done:
				s.finish(ErrSessionClosed)
				return
			}
		}
		if len(batch) == t.replayBatch {
			continue
		}

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			s.finish(context.Cause(s.ctx))
			return
		case <-t.done:
			s.finish(ErrSessionClosed)
			return
		}
	}
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func streamCloseReason(err error) string {
	switch err {
	case nil:
		return "unknown"
	case ErrStreamSuperseded:
		return "superseded"
	case ErrSessionClosed:
		return "session_closed"
	case context.Canceled, context.DeadlineExceeded:
		return "client_gone"
	default:
		return "error"
	}
}
