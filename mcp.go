package mcp

import (
	"net/http"

	"github.com/ajitpratap0/mcp-bridge/pkg/bridge"
	"github.com/ajitpratap0/mcp-bridge/pkg/client"
	"github.com/ajitpratap0/mcp-bridge/pkg/eventstore"
	"github.com/ajitpratap0/mcp-bridge/pkg/protocol"
	"github.com/ajitpratap0/mcp-bridge/pkg/server"
	"github.com/ajitpratap0/mcp-bridge/pkg/session"
	"github.com/ajitpratap0/mcp-bridge/pkg/transport"
)

// Version is the release of the bridge library.
const Version = "1.0.0"

// ProtocolVersion is the newest protocol revision the bridge speaks.
const ProtocolVersion = protocol.LatestProtocolVersion

// These exports give direct access to the core components.
var (
	// NewHandler creates the HTTP endpoint.
	NewHandler = bridge.NewHandler

	// NewRegistry creates a session registry.
	NewRegistry = session.NewRegistry

	// NewServer creates the built-in protocol engine.
	NewServer = server.New

	// NewClient creates a Streamable HTTP client.
	NewClient = client.New

	// NewMemoryStore creates an in-process event store.
	NewMemoryStore = eventstore.NewMemoryStore
)

// Registry options
var (
	WithIdleTimeout   = session.WithIdleTimeout
	WithSweepInterval = session.WithSweepInterval
	WithEventStore    = transport.WithEventStore
	WithRetainEvents  = transport.WithRetainEvents
)

// Handler options
var (
	WithEndpoint       = bridge.WithEndpoint
	WithAllowedOrigins = bridge.WithAllowedOrigins
	WithKeepAlive      = bridge.WithKeepAlive
	WithRetry          = bridge.WithRetry
)

// Server options
var (
	WithServerName    = server.WithName
	WithServerVersion = server.WithVersion
	WithTools         = server.WithTools
)

// Serve wires a registry, the engine and an endpoint into one handler. A
// nil store keeps events in memory. It returns the registry so the caller
// can close its sessions on shutdown.
func Serve(engine transport.Engine, store eventstore.Store, opts ...bridge.Option) (http.Handler, *session.Registry) {
	var regOpts []session.Option
	if store != nil {
		regOpts = append(regOpts, session.WithTransportOptions(transport.WithEventStore(store)))
	}
	registry := session.NewRegistry(regOpts...)
	return bridge.NewHandler(registry, engine, opts...), registry
}
