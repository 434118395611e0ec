package transport

import (
	"context"

	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
)

// Engine is the protocol engine served by the bridge. Connect is called once
// per transport, before any message is routed to it, and returns the
// session-scoped handler.
type Engine interface {
	Connect(ctx context.Context, conn Conn) (Handler, error)
}

// Handler receives the client-to-server traffic of one session.
//
// HandleRequest must return a response for every request. JSON-RPC failures
// belong in the response; a non-nil error is reported to the client as an
// EngineError and closes the session when marked with errors.Fatal.
type Handler interface {
	HandleRequest(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	HandleNotification(ctx context.Context, n *protocol.Notification) error
	Close() error
}

// Conn is the engine's view of its session.
type Conn interface {
	// SessionID returns the session identifier, empty before the handshake.
	SessionID() string

	// Notify buffers a server-to-client notification and wakes the attached
	// stream, if any.
	Notify(ctx context.Context, method string, params interface{}) error

	// Request sends a server-initiated request through the event stream and
	// waits for the client to answer it with a POST.
	Request(ctx context.Context, method string, params interface{}) (*protocol.Response, error)

	// Close terminates the session.
	Close() error
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, conn Conn) (Handler, error)

// Connect calls f(ctx, conn).
func (f EngineFunc) Connect(ctx context.Context, conn Conn) (Handler, error) {
	return f(ctx, conn)
}
