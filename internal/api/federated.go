// ABOUTME: Federated session CRUD endpoints.
// ABOUTME: A federated session names the gateway/session pairs a chat spans.

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openclaw/claw-relay/internal/store"
)

type federatedSessionRequest struct {
	Title    string                  `json:"title" binding:"required"`
	Gateways []store.FederatedTarget `json:"gateways" binding:"required,min=1"`
}

type federatedSessionResponse struct {
	ID           string                  `json:"id"`
	Title        string                  `json:"title"`
	Gateways     []store.FederatedTarget `json:"gateways"`
	CreatedAt    time.Time               `json:"created_at"`
	LastActivity time.Time               `json:"last_activity"`
}

func federatedResponse(fs *store.FederatedSession) federatedSessionResponse {
	return federatedSessionResponse{
		ID:           fs.ID,
		Title:        fs.Title,
		Gateways:     fs.Gateways,
		CreatedAt:    fs.CreatedAt,
		LastActivity: fs.LastActivity,
	}
}

func (s *Server) handleListFederatedSessions(c *gin.Context) {
	sessions, err := s.store.ListFederatedSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	out := make([]federatedSessionResponse, 0, len(sessions))
	for _, fs := range sessions {
		out = append(out, federatedResponse(fs))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateFederatedSession(c *gin.Context) {
	var req federatedSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	fs := &store.FederatedSession{
		ID:       uuid.NewString(),
		Title:    req.Title,
		Gateways: req.Gateways,
	}
	if err := s.store.CreateFederatedSession(c.Request.Context(), fs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, federatedResponse(fs))
}

func (s *Server) handleGetFederatedSession(c *gin.Context) {
	fs, err := s.store.GetFederatedSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Federated session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, federatedResponse(fs))
}

func (s *Server) handleDeleteFederatedSession(c *gin.Context) {
	if err := s.store.DeleteFederatedSession(c.Request.Context(), c.Param("session_id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Federated session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
