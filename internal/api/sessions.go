// ABOUTME: Session endpoints for a single gateway: list, create, get, delete.
// ABOUTME: Listing asks the live gateway first and falls back to stored rows.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/claw-relay/internal/store"
)

const gatewayQueryTimeout = 10 * time.Second

type sessionResponse struct {
	ID           int64  `json:"id"`
	GatewayID    string `json:"gateway_id"`
	SessionKey   string `json:"session_key"`
	Title        string `json:"title,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Model        string `json:"model,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

type createSessionRequest struct {
	SessionKey string `json:"session_key" binding:"required"`
	Title      string `json:"title"`
	AgentID    string `json:"agent_id"`
	Model      string `json:"model"`
}

func storedSessionResponse(sess *store.Session) sessionResponse {
	return sessionResponse{
		ID:           sess.ID,
		GatewayID:    sess.GatewayID,
		SessionKey:   sess.SessionKey,
		Title:        sess.Title,
		AgentID:      sess.AgentID,
		Model:        sess.Model,
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
		LastActivity: sess.LastActivity.Format(time.RFC3339),
	}
}

// liveSessions asks the gateway for its session list. Returns nil when the
// gateway is unreachable or reports nothing useful.
func (s *Server) liveSessions(ctx context.Context, gatewayID string) []sessionResponse {
	link, ok := s.registry.Get(gatewayID)
	if !ok || !link.Connected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, gatewayQueryTimeout)
	defer cancel()

	res, err := link.Request(ctx, "sessions.list", struct{}{})
	if err != nil || !res.OK {
		return nil
	}

	var payload struct {
		Sessions []struct {
			Key          string `json:"key"`
			SessionKey   string `json:"sessionKey"`
			Title        string `json:"title"`
			AgentID      string `json:"agentId"`
			Model        string `json:"model"`
			CreatedAt    string `json:"createdAt"`
			LastActivity string `json:"lastActivity"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return nil
	}

	out := make([]sessionResponse, 0, len(payload.Sessions))
	for _, sess := range payload.Sessions {
		key := sess.Key
		if key == "" {
			key = sess.SessionKey
		}
		if key == "" {
			continue
		}
		out = append(out, sessionResponse{
			GatewayID:    gatewayID,
			SessionKey:   key,
			Title:        sess.Title,
			AgentID:      sess.AgentID,
			Model:        sess.Model,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
		})
	}
	return out
}

func (s *Server) handleListSessions(c *gin.Context) {
	gatewayID := c.Param("gateway_id")

	if live := s.liveSessions(c.Request.Context(), gatewayID); len(live) > 0 {
		c.JSON(http.StatusOK, live)
		return
	}

	sessions, err := s.store.ListSessions(c.Request.Context(), gatewayID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, storedSessionResponse(sess))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	gatewayID := c.Param("gateway_id")

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	sess := &store.Session{
		GatewayID:  gatewayID,
		SessionKey: req.SessionKey,
		Title:      req.Title,
		AgentID:    req.AgentID,
		Model:      req.Model,
	}
	if err := s.store.CreateSession(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, storedSessionResponse(sess))
}

func (s *Server) handleGetSession(c *gin.Context) {
	gatewayID := c.Param("gateway_id")
	sessionKey := c.Param("session_key")

	sess, err := s.store.GetSession(c.Request.Context(), gatewayID, sessionKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, storedSessionResponse(sess))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	gatewayID := c.Param("gateway_id")
	sessionKey := c.Param("session_key")

	if err := s.store.DeleteSession(c.Request.Context(), gatewayID, sessionKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleSessionContext probes the gateway for context-window usage. Gateways
// differ in which status method they expose, so several are tried in order.
func (s *Server) handleSessionContext(c *gin.Context) {
	gatewayID := c.Param("gateway_id")
	sessionKey := c.Param("session_key")

	link, ok := s.registry.Get(gatewayID)
	if !ok || !link.Connected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Gateway not connected"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), gatewayQueryTimeout)
	defer cancel()

	for _, method := range []string{"session_status", "sessions.status", "status"} {
		res, err := link.Request(ctx, method, map[string]string{"sessionKey": sessionKey})
		if err != nil || !res.OK {
			continue
		}
		if usage := contextUsage(res.Payload); usage != nil {
			c.JSON(http.StatusOK, usage)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"available": false})
}

// contextUsage digs token counts out of a status payload. Field names vary
// across gateway versions, so each known spelling is checked.
func contextUsage(payload json.RawMessage) gin.H {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil
	}

	used, okUsed := numericField(doc, "contextTokens", "context_tokens", "usedTokens", "tokens")
	max, okMax := numericField(doc, "maxTokens", "max_tokens", "contextWindow", "context_window")
	if !okUsed && !okMax {
		return nil
	}

	usage := gin.H{"available": true}
	if okUsed {
		usage["context_tokens"] = int64(used)
	}
	if okMax {
		usage["max_tokens"] = int64(max)
	}
	if okUsed && okMax && max > 0 {
		usage["percentage"] = used / max * 100
	}
	return usage
}

func numericField(doc map[string]any, names ...string) (float64, bool) {
	for _, name := range names {
		if v, ok := doc[name].(float64); ok {
			return v, true
		}
	}
	// One nesting level is common: {"session": {...}} or {"usage": {...}}.
	for _, key := range []string{"session", "usage", "context"} {
		if nested, ok := doc[key].(map[string]any); ok {
			if n, ok := numericField(nested, names...); ok {
				return n, true
			}
		}
	}
	return 0, false
}
