package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

var (
	errStopReading = errors.New("stop reading")
	errEmptyStream = errors.New("stream ended without events")
)

// frame is one server-sent event.
type frame struct {
	id    string
	event string
	data  string
	retry string
}

// readFrames calls fn for every complete frame in r. Comment lines are
// skipped. It returns nil at a clean end of stream.
func readFrames(r io.Reader, fn func(frame) error) error {
	reader := bufio.NewReaderSize(r, 4096)
	var (
		cur   frame
		data  []string
		dirty bool
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		switch {
		case line == "":
			if dirty {
				cur.data = strings.Join(data, "\n")
				if ferr := fn(cur); ferr != nil {
					return ferr
				}
			}
			cur, data, dirty = frame{}, nil, false
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				cur.id = value
			case "event":
				cur.event = value
			case "data":
				data = append(data, value)
			case "retry":
				cur.retry = value
			}
			dirty = true
		}

		if err != nil {
			return nil
		}
	}
}

// Listen follows the session's event stream until ctx ends, the session is
// closed or too many reconnects in a row deliver nothing. A dropped stream
// is resumed from the last event id seen. Listen returns nil when ctx ends
// or Close is called, and an error wrapping errors.ErrUnknownSession or
// errors.ErrTransportClosed when the server no longer knows the session.
func (c *Client) Listen(ctx context.Context) error {
	failures := 0
	for {
		delivered, err := c.listenOnce(ctx)
		if ctx.Err() != nil || c.closed.Load() {
			return nil
		}
		if errors.Is(err, mcperrors.ErrUnknownSession) || errors.Is(err, mcperrors.ErrTransportClosed) || errors.Is(err, ErrNotInitialized) {
			return err
		}

		if delivered > 0 {
			failures = 0
		} else {
			failures++
		}
		if c.maxReconnects > 0 && failures > c.maxReconnects {
			if err == nil {
				err = errEmptyStream
			}
			return fmt.Errorf("event stream: giving up after %d attempts: %w", failures, err)
		}

		delay := c.reconnectDelay
		if hint := c.retryHint.Load(); hint > 0 {
			delay = time.Duration(hint)
		}
		c.logger.Debug("Event stream ended, reconnecting",
			logging.String("session_id", c.SessionID()),
			logging.Uint64("last_event_id", c.LastEventID()),
			logging.Duration("delay", delay),
			logging.ErrorField(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// listenOnce runs one GET stream and returns how many events it delivered.
func (c *Client) listenOnce(ctx context.Context) (int, error) {
	sid := c.SessionID()
	if sid == "" {
		return 0, ErrNotInitialized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(c.sessionHeader, sid)
	if last := c.lastEventID.Load(); last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(last, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeErrorResponse(resp)
	}

	delivered := 0
	err = readFrames(resp.Body, func(f frame) error {
		if f.retry != "" {
			if ms, perr := strconv.ParseInt(f.retry, 10, 64); perr == nil && ms > 0 {
				c.retryHint.Store(int64(time.Duration(ms) * time.Millisecond))
			}
		}
		if f.data == "" {
			return nil
		}

		seq, perr := strconv.ParseUint(f.id, 10, 64)
		if perr == nil && seq <= c.lastEventID.Load() {
			// replayed twice across a reconnect race
			return nil
		}
		c.dispatch(ctx, []byte(f.data))
		if perr == nil {
			c.lastEventID.Store(seq)
		}
		delivered++
		return nil
	})
	return delivered, err
}

// dispatch hands one event payload to the notification and request
// handlers.
func (c *Client) dispatch(ctx context.Context, data []byte) {
	msgs, _, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("Dropping undecodable event", logging.ErrorField(err))
		return
	}
	for _, m := range msgs {
		switch m.Kind {
		case protocol.KindNotification:
			if c.onNotification != nil {
				c.onNotification(ctx, m.Notification)
			}
		case protocol.KindRequest:
			c.answer(ctx, m.Request)
		default:
			c.logger.Debug("Ignoring response on event stream", logging.Any("id", m.Response.ID))
		}
	}
}

// answer runs the handler for a server-initiated request and posts the
// response back.
func (c *Client) answer(ctx context.Context, req *protocol.Request) {
	var (
		resp *protocol.Response
		err  error
	)
	h, ok := c.handlers[req.Method]
	if !ok {
		resp, err = protocol.NewErrorResponse(req.ID, protocol.MethodNotFound, "Method not found: "+req.Method, nil)
	} else if result, herr := h(ctx, req); herr != nil {
		resp, err = protocol.NewErrorResponse(req.ID, protocol.InternalError, herr.Error(), nil)
	} else {
		resp, err = protocol.NewResponse(req.ID, result)
	}
	if err != nil {
		c.logger.Error("Cannot build response", logging.String("method", req.Method), logging.ErrorField(err))
		return
	}

	if _, _, err := c.post(ctx, c.SessionID(), resp); err != nil {
		c.logger.Warn("Cannot deliver response",
			logging.String("method", req.Method),
			logging.Any("id", req.ID),
			logging.ErrorField(err))
	}
}
