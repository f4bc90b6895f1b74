// ABOUTME: HTTP server assembly for the claw-relay management API.
// ABOUTME: Builds the gin engine, CORS policy, and route registration.

package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/openclaw/claw-relay/internal/devices"
	"github.com/openclaw/claw-relay/internal/gateway"
	"github.com/openclaw/claw-relay/internal/relay"
	"github.com/openclaw/claw-relay/internal/store"
)

// Server is the HTTP management surface: gateway/session/message CRUD,
// discovery, device health, and the downstream chat WebSocket endpoints.
type Server struct {
	store    store.Store
	registry *gateway.Registry
	relay    *relay.Relay
	poller   *devices.Poller
	logger   *slog.Logger
	version  string
	scanPort int
}

// Params configures a new Server.
type Params struct {
	Store    store.Store
	Registry *gateway.Registry
	Relay    *relay.Relay
	Poller   *devices.Poller
	Logger   *slog.Logger
	Version  string
	ScanPort int
}

// New creates a Server.
func New(params Params) *Server {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    params.Store,
		registry: params.Registry,
		relay:    params.Relay,
		poller:   params.Poller,
		logger:   logger.With("component", "api"),
		version:  params.Version,
		scanPort: params.ScanPort,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router(corsOrigins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = corsOrigins
	corsCfg.AllowCredentials = true
	corsCfg.AllowHeaders = []string{"*"}
	r.Use(cors.New(corsCfg))

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/gateways", s.handleListGateways)
		api.POST("/gateways", s.handleAddGateway)
		api.POST("/gateways/scan", s.handleScan)
		api.DELETE("/gateways/:gateway_id", s.handleDeleteGateway)
		api.GET("/gateways/:gateway_id/status", s.handleGatewayStatus)

		api.GET("/gateways/:gateway_id/sessions", s.handleListSessions)
		api.POST("/gateways/:gateway_id/sessions", s.handleCreateSession)
		api.GET("/gateways/:gateway_id/sessions/:session_key", s.handleGetSession)
		api.DELETE("/gateways/:gateway_id/sessions/:session_key", s.handleDeleteSession)
		api.GET("/gateways/:gateway_id/sessions/:session_key/context", s.handleSessionContext)
		api.GET("/gateways/:gateway_id/sessions/:session_key/messages", s.handleMessages)

		api.GET("/federated-sessions", s.handleListFederatedSessions)
		api.POST("/federated-sessions", s.handleCreateFederatedSession)
		api.GET("/federated-sessions/:session_id", s.handleGetFederatedSession)
		api.DELETE("/federated-sessions/:session_id", s.handleDeleteFederatedSession)

		api.GET("/devices", s.handleListDevices)
		api.POST("/devices", s.handleAddDevice)
		api.GET("/devices/status", s.handleAllDeviceStatuses)
		api.PUT("/devices/:device_id", s.handleUpdateDevice)
		api.DELETE("/devices/:device_id", s.handleDeleteDevice)
		api.GET("/devices/:device_id/status", s.handleDeviceStatus)
	}

	r.GET("/ws/chat/:gateway_id", s.handleChatSocket)

	return r
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "claw-relay",
		"version": s.version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleChatSocket upgrades a downstream chat connection. The literal id
// "federated" selects the multi-gateway relay.
func (s *Server) handleChatSocket(c *gin.Context) {
	gatewayID := c.Param("gateway_id")
	if gatewayID == "federated" {
		s.relay.ServeFederated(c.Writer, c.Request)
		return
	}
	s.relay.ServeSingle(c.Writer, c.Request, gatewayID)
}
