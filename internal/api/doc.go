// ABOUTME: Package doc for the HTTP API surface.
// ABOUTME: Routes are registered in server.go; handlers live beside their resource.

// Package api exposes the relay's management HTTP surface and the downstream
// chat WebSocket endpoints.
package api
