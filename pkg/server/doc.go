// Package server is the reference MCP protocol engine behind the bridge.
//
// A Server implements transport.Engine. Every session the bridge opens is
// connected to it and gets its own Session, which answers the lifecycle
// methods (initialize, ping), tools/list, tools/call and logging/setLevel,
// and tracks in-flight requests so that notifications/cancelled can stop
// them.
//
// Tools write to the client through their Session: Log and Progress append
// notifications to the session's event stream, and Roots issues a
// server-initiated roots/list request and waits for the client's answer.
//
//	srv := server.New(
//	    server.WithName("example"),
//	    server.WithVersion("1.0.0"),
//	)
//	srv.Tools().Register(protocol.Tool{Name: "echo"},
//	    func(ctx context.Context, call *server.ToolCall) (*protocol.CallToolResult, error) {
//	        return &protocol.CallToolResult{
//	            Content: []protocol.Content{protocol.TextContent(string(call.Arguments))},
//	        }, nil
//	    })
//	handler := bridge.NewHandler(session.NewRegistry(), srv)
package server
