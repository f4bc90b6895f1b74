// ABOUTME: Message history endpoint: live gateway history with stored fallback.
// ABOUTME: Renders content blocks to display text when serving from the gateway.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/claw-relay/internal/gateway"
	"github.com/openclaw/claw-relay/internal/store"
)

const defaultMessageLimit = 50

type messageResponse struct {
	ID        int64  `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

func (s *Server) handleMessages(c *gin.Context) {
	gatewayID := c.Param("gateway_id")
	sessionKey := c.Param("session_key")

	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var before int64
	if raw := c.Query("before"); raw != "" {
		before, _ = strconv.ParseInt(raw, 10, 64)
	}

	// Pagination applies to stored rows only; the gateway serves its full
	// recent window so a "before" query skips straight to the fallback.
	if before == 0 {
		if live := s.liveMessages(c, gatewayID, sessionKey, limit); live != nil {
			c.JSON(http.StatusOK, live)
			return
		}
	}

	sess, err := s.store.GetSession(c.Request.Context(), gatewayID, sessionKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusOK, []messageResponse{})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	msgs, err := s.store.RecentMessages(c.Request.Context(), sess.ID, limit, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	c.JSON(http.StatusOK, out)
}

// liveMessages fetches history from the gateway. Returns nil when the gateway
// cannot serve it, which sends the caller to stored rows instead.
func (s *Server) liveMessages(c *gin.Context, gatewayID, sessionKey string, limit int) []messageResponse {
	link, ok := s.registry.Get(gatewayID)
	if !ok || !link.Connected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), gatewayQueryTimeout)
	defer cancel()

	res, err := link.Request(ctx, "chat.history", historyParams{SessionKey: sessionKey, Limit: limit})
	if err != nil || !res.OK {
		return nil
	}

	var payload struct {
		Messages []struct {
			Role      string          `json:"role"`
			Content   json.RawMessage `json:"content"`
			Timestamp *int64          `json:"timestamp"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		return nil
	}

	out := make([]messageResponse, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		// Tool result turns are machine traffic, not conversation.
		if m.Role == gateway.BlockToolResult {
			continue
		}
		text := renderContent(m.Content)
		if text == "" {
			continue
		}
		out = append(out, messageResponse{
			Role:      m.Role,
			Content:   text,
			Timestamp: m.Timestamp,
		})
	}
	return out
}

// renderContent renders a history content field that may be a bare string or
// a content block array.
func renderContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []gateway.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return gateway.RenderText(blocks)
	}
	return ""
}
