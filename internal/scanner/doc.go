// ABOUTME: Package doc for gateway discovery.
// ABOUTME: Probe speaks just enough of the protocol to identify a gateway.

// Package scanner discovers OpenClaw gateways by probing subnet addresses
// with a read-only connect handshake.
package scanner
