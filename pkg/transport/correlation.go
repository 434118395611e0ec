package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	mcperrors "github.com/ajitpratap0/mcp-bridge/pkg/errors"
	"github.com/ajitpratap0/mcp-bridge/pkg/logging"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

// pendingTable correlates client responses with server-initiated requests.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Response
	closed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan *protocol.Response)}
}

func (p *pendingTable) add(key string) (chan *protocol.Response, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	ch := make(chan *protocol.Response, 1)
	p.waiters[key] = ch
	return ch, true
}

func (p *pendingTable) remove(key string) {
	p.mu.Lock()
	delete(p.waiters, key)
	p.mu.Unlock()
}

// resolve hands resp to its waiter and reports whether one existed.
func (p *pendingTable) resolve(resp *protocol.Response) bool {
	key := protocol.IDKey(resp.ID)
	p.mu.Lock()
	ch, ok := p.waiters[key]
	if ok {
		delete(p.waiters, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// closeAll drops every waiter; they observe the transport's done channel.
func (p *pendingTable) closeAll() {
	p.mu.Lock()
	p.closed = true
	p.waiters = make(map[string]chan *protocol.Response)
	p.mu.Unlock()
}

// Request sends a server-initiated request through the event stream and
// blocks until the client posts the matching response, the request times
// out, ctx ends or the session closes.
func (t *Transport) Request(ctx context.Context, method string, params interface{}) (*protocol.Response, error) {
	id := fmt.Sprintf("srv-%d", t.nextReqID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	key := protocol.IDKey(id)
	ch, ok := t.pending.add(key)
	if !ok {
		return nil, mcperrors.TransportClosed(t.SessionID())
	}
	defer t.pending.remove(key)

	if _, err := t.appendEvent(ctx, payload); err != nil {
		return nil, err
	}

	if t.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-t.done:
		return nil, mcperrors.TransportClosed(t.SessionID())
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			t.logger.Warn("Server request timed out",
				logging.String("session_id", t.SessionID()),
				logging.String("method", method),
				logging.Duration("timeout", t.requestTimeout))
			return nil, mcperrors.Timeout(t.SessionID(), method, err)
		}
		return nil, err
	}
}

// PendingRequests returns the number of server-initiated requests awaiting
// a response.
func (t *Transport) PendingRequests() int {
	return t.pending.len()
}
