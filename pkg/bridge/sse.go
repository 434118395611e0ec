package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/observability"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
	"github.com/ajitpratap0/mcp-bridge/pkg/transport"
)

// sseWriter frames server-sent events and flushes after each one.
type sseWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	hdr := w.Header()
	hdr.Set("Content-Type", contentTypeSSE)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) retry(d time.Duration) error {
	if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", d.Milliseconds()); err != nil {
		return err
	}
	return s.flush()
}

// event writes one stored event. Its sequence becomes the SSE id so that a
// reconnecting client can resume with Last-Event-ID.
func (s *sseWriter) event(ev eventstore.Event) error {
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: message\ndata: %s\n\n", ev.Sequence, ev.Payload); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) message(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) flush() error {
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// serveStream copies a stream to the client until one side goes away. The
// status line is already sent, so failures end the response and are only
// logged.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, stream *transport.Stream) {
	ctx := r.Context()
	logger := h.logger.WithContext(ctx)
	sw := newSSEWriter(w)

	if err := sw.retry(h.retry); err != nil {
		logger.Debug("Stream write failed", logging.ErrorField(err))
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	var delivered int
	defer func() {
		observability.SetAttributes(ctx, observability.AttrEvents.Int(delivered))
	}()

	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				logger.Debug("Stream ended", logging.ErrorField(stream.Err()))
				return
			}
			if err := sw.event(ev); err != nil {
				logger.Debug("Stream write failed", logging.ErrorField(err), logging.Uint64("sequence", ev.Sequence))
				return
			}
			delivered++
		case <-ticker.C:
			if err := sw.comment("ping"); err != nil {
				logger.Debug("Keep-alive failed", logging.ErrorField(err))
				return
			}
			stream.KeepAlive(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// writeResponseStream answers a POST whose client only accepts event
// streams. The responses are not buffered and carry no event id.
func (h *Handler) writeResponseStream(w http.ResponseWriter, r *http.Request, responses []*protocol.Response) {
	sw := newSSEWriter(w)
	for _, resp := range responses {
		data, err := json.Marshal(resp)
		if err != nil {
			h.logger.WithContext(r.Context()).Error("Encode response", logging.ErrorField(err))
			return
		}
		if err := sw.message(data); err != nil {
			h.logger.WithContext(r.Context()).Debug("Stream write failed", logging.ErrorField(err))
			return
		}
	}
}
