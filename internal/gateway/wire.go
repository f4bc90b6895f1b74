// ABOUTME: Wire-level types for the OpenClaw gateway protocol.
// ABOUTME: Frames, connect handshake parameters, and chat event payloads.

package gateway

import (
	"encoding/json"
	"strings"
)

// Frame types on the gateway socket. Every message is exactly one of these.
const (
	frameTypeReq   = "req"
	frameTypeRes   = "res"
	frameTypeEvent = "event"
)

// eventChallenge is the event the gateway must emit first on a new socket.
const eventChallenge = "connect.challenge"

// frame is the single wire envelope. Which fields are populated depends on
// the frame type.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Response is the outcome of one request that did receive an answer. A
// response with OK false carries the gateway's error in Err.
type Response struct {
	OK      bool
	Payload json.RawMessage
	Err     json.RawMessage
}

// ErrorText renders the gateway error for display.
func (r *Response) ErrorText() string {
	return rawToText(r.Err, "Unknown error")
}

// rawToText renders a raw error value that may be a bare string, an object
// with a message field, or arbitrary JSON.
func rawToText(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return fallback
		}
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

type connectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type clientInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

type connectParams struct {
	Auth        *connectAuth    `json:"auth,omitempty"`
	Role        string          `json:"role"`
	Scopes      []string        `json:"scopes"`
	Permissions map[string]bool `json:"permissions"`
	Client      clientInfo      `json:"client"`
	MinProtocol int             `json:"minProtocol"`
	MaxProtocol int             `json:"maxProtocol"`
}

// connectSnapshot is the slice of the handshake payload the link cares about.
type connectSnapshot struct {
	Snapshot struct {
		SessionDefaults struct {
			Model string `json:"model"`
		} `json:"sessionDefaults"`
	} `json:"snapshot"`
}

// Chat event states emitted by a gateway on the "chat" event.
const (
	ChatStateDelta = "delta"
	ChatStateFinal = "final"
	ChatStateError = "error"
)

// Content block types inside a chat turn.
const (
	BlockText       = "text"
	BlockToolCall   = "toolCall"
	BlockToolResult = "toolResult"
)

// AgentRef identifies the agent a chat turn came from.
type AgentRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// ContentBlock is one piece of a chat turn's content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// ChatTurn is one message within a chat event.
type ChatTurn struct {
	Role      string         `json:"role,omitempty"`
	Agent     AgentRef       `json:"agent,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	Timestamp *int64         `json:"timestamp,omitempty"`
}

// ChatEvent is the payload of a "chat" event.
type ChatEvent struct {
	State   string          `json:"state"`
	Message *ChatTurn       `json:"message,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// ErrorText renders the event's error for display.
func (e *ChatEvent) ErrorText() string {
	return rawToText(e.Error, "Unknown error")
}

// TextContent concatenates the text blocks of a turn, ignoring tool traffic.
func TextContent(blocks []ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// RenderText renders blocks for human-readable history: text blocks verbatim,
// tool calls as a short marker, tool results omitted.
func RenderText(blocks []ContentBlock) string {
	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case BlockText:
			parts = append(parts, block.Text)
		case BlockToolCall:
			name := block.Name
			if name == "" {
				name = "unknown"
			}
			parts = append(parts, "[Tool: "+name+"]")
		}
	}
	return strings.Join(parts, "\n")
}
