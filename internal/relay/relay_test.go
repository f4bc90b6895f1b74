// ABOUTME: End-to-end tests for the single-gateway session relay.
// ABOUTME: Drives a downstream WebSocket against a fake gateway and a real SQLite store.

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/claw-relay/internal/gateway"
	"github.com/openclaw/claw-relay/internal/store"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wireFrame mirrors the gateway socket envelope for the fake gateway.
type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// downFrame is the superset of frames a downstream client can receive.
type downFrame struct {
	Type         string           `json:"type"`
	Federated    bool             `json:"federated"`
	DefaultModel string           `json:"defaultModel"`
	GatewayID    string           `json:"gateway_id"`
	State        string           `json:"state"`
	Text         string           `json:"text"`
	Error        string           `json:"error"`
	Source       *streamSource    `json:"source"`
	Messages     []historyMessage `json:"messages"`
}

// startFakeGateway serves the challenge handshake plus metadata, then hands
// every other request to respond.
func startFakeGateway(t *testing.T, respond func(conn *websocket.Conn, req wireFrame)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(wireFrame{Type: "event", Event: "connect.challenge"}); err != nil {
			return
		}
		var connect wireFrame
		if err := conn.ReadJSON(&connect); err != nil || connect.Method != "connect" {
			return
		}
		if err := conn.WriteJSON(wireFrame{Type: "res", ID: connect.ID, OK: true,
			Payload: json.RawMessage(`{"snapshot":{"sessionDefaults":{"model":"claude-sonnet"}}}`)}); err != nil {
			return
		}

		for {
			var req wireFrame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "agents.list":
				conn.WriteJSON(wireFrame{Type: "res", ID: req.ID, OK: true,
					Payload: json.RawMessage(`{"agents":[{"id":"dev","name":"Dev"}]}`)})
			case "models.list":
				conn.WriteJSON(wireFrame{Type: "res", ID: req.ID, OK: true,
					Payload: json.RawMessage(`{"models":[{"id":"claude-sonnet"}]}`)})
			default:
				respond(conn, req)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type relayHarness struct {
	relay    *Relay
	registry *gateway.Registry
	store    *store.SQLiteStore
}

// setupRelay wires a registry with one connected fake gateway, a fresh store,
// and a relay on top of both.
func setupRelay(t *testing.T, gatewayID string, respond func(conn *websocket.Conn, req wireFrame)) *relayHarness {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := gateway.NewRegistry(gateway.RegistryParams{})
	t.Cleanup(reg.StopAll)

	if respond != nil {
		url := startFakeGateway(t, respond)
		require.NoError(t, st.CreateGateway(context.Background(), &store.Gateway{
			ID: gatewayID, Name: gatewayID, URL: url,
		}))
		link := reg.Add(gatewayID, url, "", "")
		require.Eventually(t, link.Connected, 3*time.Second, 10*time.Millisecond)
	}

	return &relayHarness{
		relay:    New(Params{Registry: reg, Store: st}),
		registry: reg,
		store:    st,
	}
}

// dialSingle opens a downstream connection served by ServeSingle.
func dialSingle(t *testing.T, rl *Relay, gatewayID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.ServeSingle(w, r, gatewayID)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) downFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f downFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestServeSingleUnknownGateway(t *testing.T) {
	h := setupRelay(t, "home", nil)
	conn := dialSingle(t, h.relay, "nowhere")

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "Gateway not found", f.Error)
}

func TestServeSinglePing(t *testing.T) {
	h := setupRelay(t, "home", func(*websocket.Conn, wireFrame) {})
	conn := dialSingle(t, h.relay, "home")

	require.Equal(t, "connected", readFrame(t, conn).Type)

	sendFrame(t, conn, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, conn).Type)
}

func TestServeSingleChatRoundTrip(t *testing.T) {
	sendParams := make(chan json.RawMessage, 1)
	h := setupRelay(t, "home", func(conn *websocket.Conn, req wireFrame) {
		if req.Method != "chat.send" {
			return
		}
		sendParams <- req.Params
		conn.WriteJSON(wireFrame{Type: "res", ID: req.ID, OK: true, Payload: json.RawMessage(`{}`)})
		conn.WriteJSON(wireFrame{Type: "event", Event: "chat",
			Payload: json.RawMessage(`{"state":"delta","message":{"role":"assistant","content":[{"type":"text","text":"hel"}]}}`)})
		conn.WriteJSON(wireFrame{Type: "event", Event: "chat",
			Payload: json.RawMessage(`{"state":"final","message":{"role":"assistant","content":[{"type":"text","text":"hello<think>checking</think>"}]}}`)})
	})
	conn := dialSingle(t, h.relay, "home")

	f := readFrame(t, conn)
	require.Equal(t, "connected", f.Type)
	assert.Equal(t, "claude-sonnet", f.DefaultModel)

	sendFrame(t, conn, map[string]string{"type": "chat", "sessionKey": "main", "message": "hi"})

	delta := readFrame(t, conn)
	assert.Equal(t, "stream", delta.Type)
	assert.Equal(t, "delta", delta.State)
	assert.Equal(t, "hel", delta.Text)

	// Final text arrives sanitized; the delta above does not.
	final := readFrame(t, conn)
	assert.Equal(t, "final", final.State)
	assert.Equal(t, "hello", final.Text)

	var params struct {
		SessionKey     string `json:"sessionKey"`
		Message        string `json:"message"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	require.NoError(t, json.Unmarshal(<-sendParams, &params))
	assert.Equal(t, "main", params.SessionKey)
	assert.Equal(t, "hi", params.Message)
	assert.NotEmpty(t, params.IdempotencyKey)

	// The outgoing user turn was persisted before the send.
	sess, err := h.store.GetSession(context.Background(), "home", "main")
	require.NoError(t, err)
	msgs, err := h.store.RecentMessages(context.Background(), sess.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, `"hi"`)
}

func TestServeSingleClientTeardownIsolated(t *testing.T) {
	h := setupRelay(t, "home", func(conn *websocket.Conn, req wireFrame) {
		if req.Method != "chat.send" {
			return
		}
		conn.WriteJSON(wireFrame{Type: "res", ID: req.ID, OK: true, Payload: json.RawMessage(`{}`)})
		conn.WriteJSON(wireFrame{Type: "event", Event: "chat",
			Payload: json.RawMessage(`{"state":"final","message":{"role":"assistant","content":[{"type":"text","text":"still here"}]}}`)})
	})
	link, ok := h.registry.Get("home")
	require.True(t, ok)

	first := dialSingle(t, h.relay, "home")
	require.Equal(t, "connected", readFrame(t, first).Type)
	second := dialSingle(t, h.relay, "home")
	require.Equal(t, "connected", readFrame(t, second).Type)
	require.Equal(t, 2, link.SubscriberCount("chat"))

	// Closing one client removes exactly its own subscription.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return link.SubscriberCount("chat") == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The survivor keeps a working chat path.
	sendFrame(t, second, map[string]string{"type": "chat", "sessionKey": "s2", "message": "hi"})
	f := readFrame(t, second)
	assert.Equal(t, "stream", f.Type)
	assert.Equal(t, "final", f.State)
	assert.Equal(t, "still here", f.Text)
}

func TestServeSingleChatRejected(t *testing.T) {
	h := setupRelay(t, "home", func(conn *websocket.Conn, req wireFrame) {
		if req.Method == "chat.send" {
			conn.WriteJSON(wireFrame{Type: "res", ID: req.ID, OK: false,
				Error: json.RawMessage(`"session busy"`)})
		}
	})
	conn := dialSingle(t, h.relay, "home")
	require.Equal(t, "connected", readFrame(t, conn).Type)

	sendFrame(t, conn, map[string]string{"type": "chat", "sessionKey": "main", "message": "hi"})

	f := readFrame(t, conn)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "session busy", f.Error)
}

func TestServeSingleChatMissingFields(t *testing.T) {
	h := setupRelay(t, "home", func(*websocket.Conn, wireFrame) {})
	conn := dialSingle(t, h.relay, "home")
	require.Equal(t, "connected", readFrame(t, conn).Type)

	sendFrame(t, conn, map[string]string{"type": "chat", "message": "hi"})
	assert.Equal(t, "Missing sessionKey or message", readFrame(t, conn).Error)

	sendFrame(t, conn, map[string]string{"type": "chat", "sessionKey": "main"})
	assert.Equal(t, "Missing sessionKey or message", readFrame(t, conn).Error)
}

func TestServeSingleHistory(t *testing.T) {
	h := setupRelay(t, "home", func(*websocket.Conn, wireFrame) {})

	ctx := context.Background()
	sessionID, err := h.store.EnsureSession(ctx, "home", "main")
	require.NoError(t, err)
	require.NoError(t, h.store.SaveMessage(ctx, &store.Message{
		SessionID: sessionID, Role: "user", Content: `[{"type":"text","text":"hi"}]`,
	}))
	require.NoError(t, h.store.SaveMessage(ctx, &store.Message{
		SessionID: sessionID, Role: "assistant", Content: `[{"type":"text","text":"hello"}]`,
	}))

	conn := dialSingle(t, h.relay, "home")
	require.Equal(t, "connected", readFrame(t, conn).Type)

	sendFrame(t, conn, map[string]any{"type": "history", "sessionKey": "main"})

	f := readFrame(t, conn)
	require.Equal(t, "history", f.Type)
	require.Len(t, f.Messages, 2)
	assert.Equal(t, "user", f.Messages[0].Role)
	assert.Equal(t, "assistant", f.Messages[1].Role)
}

func TestServeSingleHistoryUnknownSession(t *testing.T) {
	h := setupRelay(t, "home", func(*websocket.Conn, wireFrame) {})
	conn := dialSingle(t, h.relay, "home")
	require.Equal(t, "connected", readFrame(t, conn).Type)

	sendFrame(t, conn, map[string]any{"type": "history", "sessionKey": "never-seen"})

	f := readFrame(t, conn)
	require.Equal(t, "history", f.Type)
	assert.Empty(t, f.Messages)
}

func TestServeSingleInvalidJSON(t *testing.T) {
	h := setupRelay(t, "home", func(*websocket.Conn, wireFrame) {})
	conn := dialSingle(t, h.relay, "home")
	require.Equal(t, "connected", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "Invalid message", readFrame(t, conn).Error)
}
