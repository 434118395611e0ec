// Package transport implements the per-session half of the MCP Streamable
// HTTP bridge.
//
// A Transport is created pending, assigned a session identifier by the
// first initialize request it handles, and stays bound to one protocol
// Engine for its whole life:
//
//	pending --initialize--> initializing --engine accepts--> active --Close--> closed
//
// Server-to-client traffic is appended to an eventstore.Store under the
// session identifier. Consumers attach with HandleResumption and receive
// every event after their cursor exactly once, live or replayed. Cancelling
// a consumer only detaches it; the buffered events stay until the session
// closes.
//
// # Basic Usage
//
//	t := transport.New(transport.WithEventStore(store))
//	if err := t.Connect(ctx, engine); err != nil {
//		return err
//	}
//	res, err := t.HandleIncoming(ctx, body)
//	...
//	stream, err := t.HandleResumption(ctx, lastEventID)
//	for ev := range stream.Events() {
//		write(ev)
//	}
//
// Transports are normally created by a session.Registry, which binds the
// identifier at handshake time and forgets it when Done is closed.
package transport
