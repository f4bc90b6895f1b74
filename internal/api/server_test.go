// ABOUTME: Tests for the management HTTP API.
// ABOUTME: Drives the gin router with a real SQLite store and an empty registry.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/claw-relay/internal/devices"
	"github.com/openclaw/claw-relay/internal/gateway"
	"github.com/openclaw/claw-relay/internal/relay"
	"github.com/openclaw/claw-relay/internal/store"
)

type apiHarness struct {
	router *gin.Engine
	store  *store.SQLiteStore
}

func setupAPI(t *testing.T) *apiHarness {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := gateway.NewRegistry(gateway.RegistryParams{})
	t.Cleanup(reg.StopAll)

	srv := New(Params{
		Store:    st,
		Registry: reg,
		Relay:    relay.New(relay.Params{Registry: reg, Store: st}),
		Poller:   devices.NewPoller(devices.PollerParams{Store: st}),
		Version:  "test",
	})
	return &apiHarness{
		router: srv.Router([]string{"http://localhost:3000"}),
		store:  st,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestRootAndHealth(t *testing.T) {
	h := setupAPI(t)

	w := h.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON[map[string]string](t, w)
	assert.Equal(t, "claw-relay", body["name"])
	assert.Equal(t, "test", body["version"])

	w = h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestGatewayLifecycle(t *testing.T) {
	h := setupAPI(t)

	w := h.do(t, http.MethodPost, "/api/gateways", map[string]string{
		"id": "home", "name": "Home", "url": "ws://127.0.0.1:1/ws",
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeJSON[gatewayResponse](t, w)
	assert.Equal(t, "home", created.ID)
	assert.False(t, created.Connected)

	// Duplicate id conflicts.
	w = h.do(t, http.MethodPost, "/api/gateways", map[string]string{
		"id": "home", "name": "Again", "url": "ws://127.0.0.1:1/ws",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodGet, "/api/gateways", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeJSON[[]gatewayResponse](t, w)
	require.Len(t, list, 1)

	// Status of a registered but unconnected gateway.
	w = h.do(t, http.MethodGet, "/api/gateways/home/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeJSON[gatewayStatusResponse](t, w)
	assert.False(t, status.Connected)

	w = h.do(t, http.MethodGet, "/api/gateways/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodDelete, "/api/gateways/home", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodDelete, "/api/gateways/home", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGatewayValidation(t *testing.T) {
	h := setupAPI(t)

	w := h.do(t, http.MethodPost, "/api/gateways", map[string]string{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	h := setupAPI(t)
	require.NoError(t, h.store.CreateGateway(context.Background(), &store.Gateway{
		ID: "home", Name: "Home", URL: "ws://127.0.0.1:1/ws",
	}))

	w := h.do(t, http.MethodPost, "/api/gateways/home/sessions", map[string]string{
		"session_key": "main", "title": "Main", "model": "claude-sonnet",
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeJSON[sessionResponse](t, w)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "main", created.SessionKey)

	// No live gateway, so the list falls back to stored rows.
	w = h.do(t, http.MethodGet, "/api/gateways/home/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeJSON[[]sessionResponse](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "Main", list[0].Title)

	w = h.do(t, http.MethodGet, "/api/gateways/home/sessions/main", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodGet, "/api/gateways/home/sessions/absent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodDelete, "/api/gateways/home/sessions/main", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodDelete, "/api/gateways/home/sessions/main", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessagesFallbackToStore(t *testing.T) {
	h := setupAPI(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateGateway(ctx, &store.Gateway{
		ID: "home", Name: "Home", URL: "ws://127.0.0.1:1/ws",
	}))
	sessionID, err := h.store.EnsureSession(ctx, "home", "main")
	require.NoError(t, err)
	for _, text := range []string{"first", "second", "third"} {
		require.NoError(t, h.store.SaveMessage(ctx, &store.Message{
			SessionID: sessionID, Role: "user",
			Content: `[{"type":"text","text":"` + text + `"}]`,
		}))
	}

	w := h.do(t, http.MethodGet, "/api/gateways/home/sessions/main/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decodeJSON[[]messageResponse](t, w)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "second")
	assert.Contains(t, msgs[1].Content, "third")

	// Paginate before the oldest returned row.
	w = h.do(t, http.MethodGet, "/api/gateways/home/sessions/main/messages?before="+
		jsonNumber(msgs[0].ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	older := decodeJSON[[]messageResponse](t, w)
	require.Len(t, older, 1)
	assert.Contains(t, older[0].Content, "first")

	// Unknown sessions answer with an empty list, not an error.
	w = h.do(t, http.MethodGet, "/api/gateways/home/sessions/ghost/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeJSON[[]messageResponse](t, w))
}

func TestFederatedSessionLifecycle(t *testing.T) {
	h := setupAPI(t)

	w := h.do(t, http.MethodPost, "/api/federated-sessions", map[string]any{
		"title": "All hands",
		"gateways": []map[string]string{
			{"gateway_id": "home", "session_key": "main"},
			{"gateway_id": "office", "session_key": "standup"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeJSON[federatedSessionResponse](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Len(t, created.Gateways, 2)

	w = h.do(t, http.MethodGet, "/api/federated-sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]federatedSessionResponse](t, w), 1)

	w = h.do(t, http.MethodGet, "/api/federated-sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodDelete, "/api/federated-sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodGet, "/api/federated-sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFederatedSessionValidation(t *testing.T) {
	h := setupAPI(t)

	// Empty target list is rejected.
	w := h.do(t, http.MethodPost, "/api/federated-sessions", map[string]any{
		"title": "Empty", "gateways": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeviceLifecycle(t *testing.T) {
	h := setupAPI(t)

	w := h.do(t, http.MethodPost, "/api/devices", map[string]any{
		"id": "pi", "name": "Pi", "ip": "127.0.0.1",
		"services": []string{"nginx"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeJSON[deviceResponse](t, w)
	assert.True(t, created.Enabled)
	assert.Equal(t, 22, created.SSHPort)

	w = h.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]deviceResponse](t, w), 1)

	// Nothing polled yet.
	w = h.do(t, http.MethodGet, "/api/devices/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"devices":[]}`, w.Body.String())

	w = h.do(t, http.MethodGet, "/api/devices/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodDelete, "/api/devices/pi", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodDelete, "/api/devices/pi", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeviceUpdate(t *testing.T) {
	h := setupAPI(t)

	w := h.do(t, http.MethodPost, "/api/devices", map[string]any{
		"id": "pi", "name": "Pi", "ip": "127.0.0.1",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPut, "/api/devices/pi", map[string]any{
		"id": "pi", "name": "Pi 2", "ip": "127.0.0.2",
		"services": []string{"nginx"}, "enabled": false,
	})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decodeJSON[deviceResponse](t, w)
	assert.Equal(t, "pi", updated.ID)
	assert.Equal(t, "Pi 2", updated.Name)
	assert.Equal(t, "127.0.0.2", updated.IP)
	assert.Equal(t, []string{"nginx"}, updated.Services)
	assert.False(t, updated.Enabled)

	w = h.do(t, http.MethodPut, "/api/devices/ghost", map[string]any{
		"id": "ghost", "name": "Ghost", "ip": "127.0.0.3",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func jsonNumber(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}
