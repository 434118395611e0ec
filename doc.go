// Package mcp is a session-multiplexed Streamable HTTP bridge for the Model
// Context Protocol.
//
// One HTTP endpoint carries many independent client sessions to a single
// protocol engine. Each session gets its own transport, which numbers every
// server event so that a client can drop its stream and resume it with
// Last-Event-ID without losing or repeating anything.
//
// # Sub-packages
//
//   - pkg/bridge: the HTTP endpoint (POST, GET event streams, DELETE)
//   - pkg/session: the registry mapping session ids to transports
//   - pkg/transport: per-session state machine, correlation and streams
//   - pkg/eventstore: memory, Redis and SQLite event logs
//   - pkg/server: a protocol engine with tools and pagination
//   - pkg/client: a resumable Streamable HTTP client
//   - pkg/errors: the error taxonomy and its JSON-RPC envelope
//   - pkg/config: layered configuration for the mcp-bridge command
//
// # Embedding the bridge
//
//	handler, registry := mcp.Serve(mcp.NewServer(), mcp.NewMemoryStore())
//	defer registry.Close(context.Background())
//
//	http.Handle("/mcp", handler)
//	log.Fatal(http.ListenAndServe(":3000", nil))
//
// Any type implementing transport.Engine can take the place of the
// built-in server. Its Connect method is called once per session with a
// transport.Conn for sending notifications and server-initiated requests.
//
// # Connecting
//
//	c := mcp.NewClient("http://localhost:3000/mcp")
//	if _, err := c.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer c.Close(context.Background())
//	go c.Listen(ctx)
//
// The mcp-bridge command in cmd/mcp-bridge runs the same stack as a
// standalone service configured by file, environment and flags.
package mcp
