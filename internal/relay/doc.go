// Package relay multiplexes gateway event streams into per-client downstream
// WebSocket connections.
//
// Each downstream connection owns private subscription queues on the links it
// watches, one forwarding goroutine per queue, and a single-writer send
// channel for the socket. Teardown always removes every subscription and
// reconnect callback the connection created, so two clients watching the
// same gateway never affect each other.
//
// ServeSingle binds a connection to one gateway; ServeFederated fans chat
// frames out across a target list with @gateway mention routing and tags each
// streamed reply with its source gateway.
package relay
