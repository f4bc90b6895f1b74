// ABOUTME: Federated session relay fanning one downstream connection across many gateways.
// ABOUTME: Mention-routed chat fan-out with per-gateway subscriptions built lazily and torn down together.

package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/openclaw/claw-relay/internal/gateway"
)

// gatewayStream is the per-gateway relay state created lazily the first time
// a chat frame targets that gateway within this connection's lifetime.
type gatewayStream struct {
	link *gateway.Link
	sub  *gateway.Subscription
	rc   *gateway.ReconnectHandle
}

// ServeFederated relays one downstream connection across multiple gateways.
// Inbound chat frames carry explicit targets; replies stream back tagged with
// their source gateway so concurrent replies never mix.
func (rl *Relay) ServeFederated(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	logger := rl.logger.With("session", "federated")
	client := newWSClient(conn, logger)
	defer client.close()

	client.sendJSON(federatedConnectedFrame{Type: "connected", Federated: true})

	streams := make(map[string]*gatewayStream)
	done := make(chan struct{})
	defer func() {
		// Every subscription and callback created during this connection's
		// life goes away with it; anything less leaks into other sessions.
		close(done)
		for _, gs := range streams {
			gs.link.Unsubscribe(gs.sub)
			gs.link.RemoveReconnectCallback(gs.rc)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("federated connection closed", "error", err)
			return
		}

		var msg clientFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			client.sendJSON(newErrorFrame("Invalid message"))
			continue
		}

		switch msg.Type {
		case "ping":
			client.sendJSON(pongFrame{Type: "pong"})

		case "chat":
			rl.handleFederatedChat(r.Context(), client, streams, done, msg)

		case "abort":
			for _, target := range msg.Targets {
				link, ok := rl.registry.Get(target.GatewayID)
				if ok && link.Connected() {
					_, _ = link.Request(r.Context(), "chat.abort", chatAbortParams{SessionKey: target.SessionKey})
				}
			}
		}
	}
}

// handleFederatedChat routes one chat frame: mentions filter the supplied
// targets, otherwise all targets receive the message. Each targeted send is
// independent; one gateway's failure never blocks the rest.
func (rl *Relay) handleFederatedChat(ctx context.Context, client *wsClient, streams map[string]*gatewayStream, done <-chan struct{}, msg clientFrame) {
	if msg.Message == "" {
		client.sendJSON(newErrorFrame("Missing message"))
		return
	}

	mentions := ParseMentions(msg.Message)
	targets := routeTargets(mentions, msg.Targets, msg.Broadcast)
	if len(targets) == 0 {
		client.sendJSON(newErrorFrame("No valid targets"))
		return
	}

	for _, target := range targets {
		source := &streamSource{GatewayID: target.GatewayID, AgentName: "system"}

		link, ok := rl.registry.Get(target.GatewayID)
		if !ok {
			client.sendJSON(streamFrame{Type: "stream", Source: source,
				State: gateway.ChatStateError, Error: "Gateway " + target.GatewayID + " not found"})
			continue
		}
		if !link.Connected() {
			client.sendJSON(streamFrame{Type: "stream", Source: source,
				State: gateway.ChatStateError, Error: "Gateway " + target.GatewayID + " not connected"})
			continue
		}

		rl.ensureStream(client, streams, link, done)

		// Independent fan-out: a slow or failing target must not delay the others.
		go rl.sendChat(context.WithoutCancel(ctx), client, link, target.GatewayID, target.SessionKey, msg.Message, source)
	}
}

// ensureStream lazily builds the per-gateway subscription, reconnect
// callback, and forwarding goroutine for this connection.
func (rl *Relay) ensureStream(client *wsClient, streams map[string]*gatewayStream, link *gateway.Link, done <-chan struct{}) {
	if _, exists := streams[link.ID]; exists {
		return
	}

	gatewayID := link.ID
	sub := link.Subscribe("chat")
	rc := link.OnReconnect(func() {
		// Per-gateway notification only; no full status resend here.
		client.sendJSON(reconnectedFrame{Type: "reconnected", GatewayID: gatewayID})
	})
	streams[gatewayID] = &gatewayStream{link: link, sub: sub, rc: rc}

	go rl.forwardChatEvents(client, sub, done, func(ev *gateway.ChatEvent) *streamSource {
		agentName := "unknown"
		if ev.Message != nil && ev.Message.Agent.Name != "" {
			agentName = ev.Message.Agent.Name
		}
		return &streamSource{GatewayID: gatewayID, AgentName: agentName}
	})
}
