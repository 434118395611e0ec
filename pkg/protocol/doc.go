// Package protocol defines the JSON-RPC 2.0 message types carried by the
// bridge and the small subset of MCP lifecycle types it needs to recognise.
//
// The bridge itself is agnostic of business methods. It only has to decode
// a request body into requests, notifications and responses, recognise the
// initialize request that opens a session, and build error responses.
//
// # Decoding
//
// Decode accepts a single message or a batch:
//
//	msgs, batch, err := protocol.Decode(body)
//	if errors.Is(err, protocol.ErrParse) {
//		// not JSON at all
//	}
//
// IsInitializeRequest and PeekID are cheap helpers for routing decisions made
// before a session has been resolved.
package protocol
