// ABOUTME: Downstream frame types exchanged with browser chat clients.
// ABOUTME: One JSON frame per logical message, inbound and outbound.

package relay

import (
	"encoding/json"

	"github.com/openclaw/claw-relay/internal/store"
)

// clientFrame is any inbound frame from a downstream client. Type selects
// which fields matter; single-gateway sessions use SessionKey, federated
// sessions use Targets/Broadcast.
type clientFrame struct {
	Type       string                  `json:"type"`
	SessionKey string                  `json:"sessionKey"`
	Message    string                  `json:"message"`
	Limit      int                     `json:"limit"`
	Targets    []store.FederatedTarget `json:"targets"`
	Broadcast  bool                    `json:"broadcast"`
}

// connectedFrame is the initial status frame for a downstream connection.
type connectedFrame struct {
	Type         string            `json:"type"`
	Agents       []json.RawMessage `json:"agents"`
	Models       []json.RawMessage `json:"models"`
	DefaultModel string            `json:"defaultModel"`
}

// federatedConnectedFrame greets a federated downstream connection.
type federatedConnectedFrame struct {
	Type      string `json:"type"`
	Federated bool   `json:"federated"`
}

// reconnectedFrame re-announces a link after a successful reconnect. The
// single-gateway variant resends cached status; the federated variant only
// names the gateway that came back.
type reconnectedFrame struct {
	Type         string            `json:"type"`
	Agents       []json.RawMessage `json:"agents,omitempty"`
	Models       []json.RawMessage `json:"models,omitempty"`
	DefaultModel string            `json:"defaultModel,omitempty"`
	GatewayID    string            `json:"gateway_id,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}

// streamSource attributes a federated stream frame to one gateway so the
// client can disambiguate concurrently streaming replies.
type streamSource struct {
	GatewayID string `json:"gateway_id"`
	AgentName string `json:"agent_name"`
}

// streamFrame carries one streamed reply state to the client.
type streamFrame struct {
	Type   string        `json:"type"`
	Source *streamSource `json:"source,omitempty"`
	State  string        `json:"state"`
	Text   string        `json:"text,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// historyMessage is one persisted turn returned to the client. Content is the
// stored content block array, passed through verbatim.
type historyMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp *int64          `json:"timestamp"`
}

type historyFrame struct {
	Type     string           `json:"type"`
	Messages []historyMessage `json:"messages"`
}

// errorFrame is a typed error answer to one client; it never closes the
// connection except when the gateway id cannot be resolved at connect time.
type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newErrorFrame(msg string) errorFrame {
	return errorFrame{Type: "error", Error: msg}
}
