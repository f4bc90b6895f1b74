// ABOUTME: Device CRUD and health status endpoints.
// ABOUTME: Status reads come from the poller cache, with an on-demand check fallback.

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/claw-relay/internal/store"
)

type deviceRequest struct {
	ID       string   `json:"id" binding:"required"`
	Name     string   `json:"name" binding:"required"`
	IP       string   `json:"ip" binding:"required"`
	Icon     string   `json:"icon"`
	SSHUser  string   `json:"ssh_user"`
	SSHPort  int      `json:"ssh_port"`
	Services []string `json:"services"`
	Enabled  *bool    `json:"enabled"`
}

type deviceResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IP        string    `json:"ip"`
	Icon      string    `json:"icon,omitempty"`
	SSHUser   string    `json:"ssh_user,omitempty"`
	SSHPort   int       `json:"ssh_port,omitempty"`
	Services  []string  `json:"services"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

func deviceToResponse(d *store.Device) deviceResponse {
	services := d.Services
	if services == nil {
		services = []string{}
	}
	return deviceResponse{
		ID:        d.ID,
		Name:      d.Name,
		IP:        d.IP,
		Icon:      d.Icon,
		SSHUser:   d.SSHUser,
		SSHPort:   d.SSHPort,
		Services:  services,
		Enabled:   d.Enabled,
		CreatedAt: d.CreatedAt,
	}
}

func (s *Server) handleListDevices(c *gin.Context) {
	all, err := s.store.ListDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	out := make([]deviceResponse, 0, len(all))
	for _, d := range all {
		out = append(out, deviceToResponse(d))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAddDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sshPort := req.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}

	d := &store.Device{
		ID:       req.ID,
		Name:     req.Name,
		IP:       req.IP,
		Icon:     req.Icon,
		SSHUser:  req.SSHUser,
		SSHPort:  sshPort,
		Services: req.Services,
		Enabled:  enabled,
	}
	if err := s.store.CreateDevice(c.Request.Context(), d); err != nil {
		c.JSON(http.StatusConflict, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, deviceToResponse(d))
}

// handleUpdateDevice replaces a device record. The path id wins over any id
// in the body.
func (s *Server) handleUpdateDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sshPort := req.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}

	d := &store.Device{
		ID:       c.Param("device_id"),
		Name:     req.Name,
		IP:       req.IP,
		Icon:     req.Icon,
		SSHUser:  req.SSHUser,
		SSHPort:  sshPort,
		Services: req.Services,
		Enabled:  enabled,
	}
	if err := s.store.UpdateDevice(c.Request.Context(), d); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	updated, err := s.store.GetDevice(c.Request.Context(), d.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, deviceToResponse(updated))
}

func (s *Server) handleDeleteDevice(c *gin.Context) {
	if err := s.store.DeleteDevice(c.Request.Context(), c.Param("device_id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleDeviceStatus(c *gin.Context) {
	deviceID := c.Param("device_id")
	d, err := s.store.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	if status, ok := s.poller.CachedStatus(deviceID); ok {
		c.JSON(http.StatusOK, status)
		return
	}
	// First request before the poller's initial pass. Check directly.
	c.JSON(http.StatusOK, s.poller.Check(c.Request.Context(), d))
}

func (s *Server) handleAllDeviceStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.poller.AllStatuses()})
}
