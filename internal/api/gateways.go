// ABOUTME: Gateway CRUD, live status, and subnet discovery endpoints.
// ABOUTME: Registry changes and persisted rows are kept in lockstep.

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/claw-relay/internal/scanner"
	"github.com/openclaw/claw-relay/internal/store"
)

type gatewayRequest struct {
	ID       string `json:"id" binding:"required"`
	Name     string `json:"name" binding:"required"`
	URL      string `json:"url" binding:"required"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

type gatewayResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"created_at"`
}

type gatewayStatusResponse struct {
	ID           string            `json:"id"`
	Connected    bool              `json:"connected"`
	Agents       []json.RawMessage `json:"agents"`
	Models       []json.RawMessage `json:"models"`
	DefaultModel string            `json:"default_model,omitempty"`
}

func (s *Server) gatewayConnected(id string) bool {
	link, ok := s.registry.Get(id)
	return ok && link.Connected()
}

func (s *Server) handleListGateways(c *gin.Context) {
	gateways, err := s.store.ListGateways(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	out := make([]gatewayResponse, 0, len(gateways))
	for _, gw := range gateways {
		out = append(out, gatewayResponse{
			ID:        gw.ID,
			Name:      gw.Name,
			URL:       gw.URL,
			Connected: s.gatewayConnected(gw.ID),
			CreatedAt: gw.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAddGateway(c *gin.Context) {
	var req gatewayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	gw := &store.Gateway{
		ID:       req.ID,
		Name:     req.Name,
		URL:      req.URL,
		Token:    req.Token,
		Password: req.Password,
	}
	if err := s.store.CreateGateway(c.Request.Context(), gw); err != nil {
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
		return
	}

	link := s.registry.Add(req.ID, req.URL, req.Token, req.Password)

	c.JSON(http.StatusOK, gatewayResponse{
		ID:        gw.ID,
		Name:      gw.Name,
		URL:       gw.URL,
		Connected: link.Connected(),
		CreatedAt: gw.CreatedAt,
	})
}

func (s *Server) handleDeleteGateway(c *gin.Context) {
	gatewayID := c.Param("gateway_id")
	if _, err := s.store.GetGateway(c.Request.Context(), gatewayID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Gateway not found"})
		return
	}
	s.registry.Remove(gatewayID)
	if err := s.store.DeleteGateway(c.Request.Context(), gatewayID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleGatewayStatus(c *gin.Context) {
	gatewayID := c.Param("gateway_id")
	link, ok := s.registry.Get(gatewayID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Gateway not found"})
		return
	}
	c.JSON(http.StatusOK, gatewayStatusResponse{
		ID:           gatewayID,
		Connected:    link.Connected(),
		Agents:       link.Agents(),
		Models:       link.Models(),
		DefaultModel: link.DefaultModel(),
	})
}

func (s *Server) handleScan(c *gin.Context) {
	found, err := scanner.Scan(c.Request.Context(), "", s.scanPort, scanner.DefaultConcurrency, s.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	if found == nil {
		found = []*scanner.Discovered{}
	}
	c.JSON(http.StatusOK, gin.H{"gateways": found})
}
