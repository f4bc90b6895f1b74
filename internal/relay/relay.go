// ABOUTME: Single-gateway session relay between one downstream client and one Link.
// ABOUTME: Subscribes a private chat queue, forwards streamed replies, and handles client frames.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/claw-relay/internal/gateway"
	"github.com/openclaw/claw-relay/internal/store"
)

const defaultHistoryLimit = 50

// The relay's own origin policy is permissive; CORS is enforced at the HTTP
// layer in front of the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay serves downstream chat WebSockets backed by the gateway registry and
// the record store.
type Relay struct {
	registry *gateway.Registry
	store    store.Store
	logger   *slog.Logger
}

// Params configures a new Relay.
type Params struct {
	Registry *gateway.Registry
	Store    store.Store
	Logger   *slog.Logger
}

// New creates a Relay.
func New(params Params) *Relay {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		registry: params.Registry,
		store:    params.Store,
		logger:   logger.With("component", "relay"),
	}
}

// chatSendParams is the parameter block of a chat.send request. Deliver is
// always transmitted, even when false.
type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type chatAbortParams struct {
	SessionKey string `json:"sessionKey"`
}

// ServeSingle relays one downstream connection bound to one gateway id.
// An unresolvable or disconnected gateway gets a typed error and a close;
// everything else answers in-band without closing.
func (rl *Relay) ServeSingle(w http.ResponseWriter, r *http.Request, gatewayID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	logger := rl.logger.With("gateway_id", gatewayID)
	client := newWSClient(conn, logger)
	defer client.close()

	link, ok := rl.registry.Get(gatewayID)
	if !ok {
		client.sendJSON(newErrorFrame("Gateway not found"))
		return
	}
	if !link.Connected() {
		client.sendJSON(newErrorFrame("Gateway not connected"))
		return
	}

	client.sendJSON(connectedFrame{
		Type:         "connected",
		Agents:       link.Agents(),
		Models:       link.Models(),
		DefaultModel: link.DefaultModel(),
	})

	// Private queue for this connection; several relays may watch the same
	// link's chat stream independently.
	sub := link.Subscribe("chat")
	defer link.Unsubscribe(sub)

	rcHandle := link.OnReconnect(func() {
		client.sendJSON(reconnectedFrame{
			Type:         "reconnected",
			Agents:       link.Agents(),
			Models:       link.Models(),
			DefaultModel: link.DefaultModel(),
		})
	})
	defer link.RemoveReconnectCallback(rcHandle)

	done := make(chan struct{})
	defer close(done)
	go rl.forwardChatEvents(client, sub, done, nil)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("downstream connection closed", "error", err)
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
			if msg.SessionKey == "" || msg.Message == "" {
				client.sendJSON(newErrorFrame("Missing sessionKey or message"))
				continue
			}
			rl.sendChat(r.Context(), client, link, gatewayID, msg.SessionKey, msg.Message, nil)

		case "abort":
			if msg.SessionKey == "" {
				client.sendJSON(newErrorFrame("Missing sessionKey"))
				continue
			}
			// Best effort; the gateway may have nothing running.
			_, _ = link.Request(r.Context(), "chat.abort", chatAbortParams{SessionKey: msg.SessionKey})

		case "history":
			if msg.SessionKey == "" {
				client.sendJSON(newErrorFrame("Missing sessionKey"))
				continue
			}
			rl.sendHistory(r.Context(), client, gatewayID, msg.SessionKey, msg.Limit)
		}
	}
}

// sendChat persists the user turn, then issues chat.send with a fresh
// idempotency key. A non-ok or absent response surfaces as an error frame;
// the relay itself never retries. A non-nil source tags the error frame for
// federated connections.
func (rl *Relay) sendChat(ctx context.Context, client *wsClient, link *gateway.Link, gatewayID, sessionKey, message string, source *streamSource) {
	if err := rl.persistUserTurn(ctx, gatewayID, sessionKey, message); err != nil {
		rl.logger.Warn("persisting user turn failed",
			"gateway_id", gatewayID, "session_key", sessionKey, "error", err)
	}

	res, err := link.Request(ctx, "chat.send", chatSendParams{
		SessionKey:     sessionKey,
		Message:        message,
		Deliver:        false,
		IdempotencyKey: uuid.New().String(),
	})

	switch {
	case err != nil:
		rl.sendChatError(client, source, "No response")
	case !res.OK:
		rl.sendChatError(client, source, res.ErrorText())
	}
}

func (rl *Relay) sendChatError(client *wsClient, source *streamSource, msg string) {
	if source == nil {
		client.sendJSON(newErrorFrame(msg))
		return
	}
	client.sendJSON(streamFrame{Type: "stream", Source: source, State: gateway.ChatStateError, Error: msg})
}

// persistUserTurn records the outgoing message as a user turn in the store.
func (rl *Relay) persistUserTurn(ctx context.Context, gatewayID, sessionKey, message string) error {
	sessionID, err := rl.store.EnsureSession(ctx, gatewayID, sessionKey)
	if err != nil {
		return err
	}
	content, err := json.Marshal([]gateway.ContentBlock{{Type: gateway.BlockText, Text: message}})
	if err != nil {
		return err
	}
	return rl.store.SaveMessage(ctx, &store.Message{
		SessionID: sessionID,
		Role:      "user",
		Content:   string(content),
	})
}

// forwardChatEvents drains one subscription queue and emits stream frames
// until the owning connection tears down. A non-nil sourceFor tags frames
// with their originating gateway for federated connections.
func (rl *Relay) forwardChatEvents(client *wsClient, sub *gateway.Subscription, done <-chan struct{}, sourceFor func(*gateway.ChatEvent) *streamSource) {
	for {
		select {
		case payload := <-sub.C:
			var ev gateway.ChatEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				rl.logger.Warn("decoding chat event failed", "error", err)
				continue
			}

			var source *streamSource
			if sourceFor != nil {
				source = sourceFor(&ev)
			}

			var blocks []gateway.ContentBlock
			if ev.Message != nil {
				blocks = ev.Message.Content
			}

			switch ev.State {
			case gateway.ChatStateDelta:
				client.sendJSON(streamFrame{
					Type:   "stream",
					Source: source,
					State:  gateway.ChatStateDelta,
					Text:   gateway.TextContent(blocks),
				})
			case gateway.ChatStateFinal:
				// Sanitation applies to terminal text only, never deltas.
				client.sendJSON(streamFrame{
					Type:   "stream",
					Source: source,
					State:  gateway.ChatStateFinal,
					Text:   gateway.StripThinkingTags(gateway.TextContent(blocks)),
				})
			case gateway.ChatStateError:
				client.sendJSON(streamFrame{
					Type:   "stream",
					Source: source,
					State:  gateway.ChatStateError,
					Error:  ev.ErrorText(),
				})
			}

		case <-done:
			return
		}
	}
}

// sendHistory answers a history frame from the record store, oldest first.
func (rl *Relay) sendHistory(ctx context.Context, client *wsClient, gatewayID, sessionKey string, limit int) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	sess, err := rl.store.GetSession(ctx, gatewayID, sessionKey)
	if errors.Is(err, store.ErrNotFound) {
		client.sendJSON(historyFrame{Type: "history", Messages: []historyMessage{}})
		return
	}
	if err != nil {
		client.sendJSON(newErrorFrame("History unavailable"))
		return
	}

	msgs, err := rl.store.RecentMessages(ctx, sess.ID, limit, 0)
	if err != nil {
		client.sendJSON(newErrorFrame("History unavailable"))
		return
	}

	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyMessage{
			Role:      m.Role,
			Content:   json.RawMessage(m.Content),
			Timestamp: m.Timestamp,
		})
	}
	client.sendJSON(historyFrame{Type: "history", Messages: out})
}
