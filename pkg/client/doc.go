// Package client is a Streamable HTTP client for MCP endpoints served by the
// bridge.
//
// A Client owns one session. Initialize opens it, Call and Notify post
// messages on it, Listen follows its event stream and Close deletes it:
//
//	c := client.New("http://localhost:3000/mcp",
//	    client.WithNotificationHandler(func(ctx context.Context, n *protocol.Notification) {
//	        log.Printf("%s %s", n.Method, n.Params)
//	    }),
//	    client.WithRoots(protocol.Root{URI: "file:///workspace", Name: "workspace"}),
//	)
//	if _, err := c.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer c.Close(context.Background())
//
//	go c.Listen(ctx)
//
//	result, err := c.CallTool(ctx, "countdown", map[string]int{"from": 3})
//
// Listen reconnects after a dropped stream and sends the last event id it
// saw, so no notification is lost or delivered twice. Server requests that
// arrive on the stream (such as roots/list) are answered by the handlers
// registered with WithRequestHandler or WithRoots.
//
// Errors returned by the endpoint are decoded into pkg/errors values, so
// errors.Is(err, errors.ErrUnknownSession) reports an expired session.
package client
