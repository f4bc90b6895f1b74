// Package gateway maintains persistent WebSocket links to OpenClaw gateways.
//
// # Link lifecycle
//
// A Link moves through Idle, Connecting, AwaitingChallenge, Handshaking, and
// Connected; any failure drops it to Disconnected and hands control to the
// reconnect supervisor, which retries with exponential backoff (1s doubling
// to 60s, reset on success) for as long as the link is registered.
//
// The gateway speaks first: after the socket opens, the link waits for a
// connect.challenge event and answers with a single connect request carrying
// credentials, role, scopes, and a client descriptor. An ok response completes
// the handshake; the link then starts its read loop and refreshes the cached
// agent and model lists.
//
// # Request correlation
//
//	res, err := link.Request(ctx, "chat.send", params)
//
// Each request gets a monotonically increasing id scoped to the link and a
// resolve-once pending slot. Exactly one of the matching response, a 30s
// timeout, or link failure resolves the slot; the others are no-ops. A nil
// error with res.OK == false is a delivered rejection, distinct from the
// sentinel errors for timeout and closure.
//
// # Event fan-out
//
//	sub := link.Subscribe("chat")
//	defer link.Unsubscribe(sub)
//	for payload := range sub.C { ... }
//
// Multiple subscribers per event name are supported; dispatch preserves wire
// arrival order per subscriber and never blocks the read loop.
//
// # Registry
//
// The Registry owns all links by gateway id. Add replaces any link with the
// same id, Remove stops and drops one, StopAll runs at process shutdown.
package gateway
