// Package httpapi wires the broker's HTTP and websocket surface: the
// device fallback transport, the admin API and the observer channel.
package httpapi

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"amsbroker/internal/auth"
	"amsbroker/internal/config"
	"amsbroker/internal/fanout"
	"amsbroker/internal/httpmiddleware"
	"amsbroker/internal/ingest"
	"amsbroker/internal/registry"
	"amsbroker/internal/relay"
	"amsbroker/internal/store"
)

// HealthCheck reports one dependency's reachability.
type HealthCheck func(ctx context.Context) bool

type Server struct {
	cfg     config.App
	store   store.Store
	reg     *registry.Registry
	relay   *relay.Relay
	ingest  *ingest.Service
	hub     *fanout.Hub
	limiter *httpmiddleware.SimpleTokenBucket
	logger  *log.Logger
	checks  map[string]HealthCheck
}

func New(cfg config.App, st store.Store, reg *registry.Registry, rl *relay.Relay, ing *ingest.Service, hub *fanout.Hub, logger *log.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		reg:     reg,
		relay:   rl,
		ingest:  ing,
		hub:     hub,
		limiter: httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		logger:  logger,
		checks:  make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a named dependency probe for /healthz.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.handleHealthz)

	// Device websocket transport. Handshake validation happens before
	// the upgrade, so a bad handshake never creates connection state.
	r.GET("/v1/ws", s.handleDeviceWS)

	device := r.Group("/v1/device",
		s.limiter.GinMiddleware(),
		auth.HardwareAuth(s.cfg.HardwareAPIKey))
	{
		device.POST("/hello", s.handleDeviceHello)
		device.POST("/attendance", s.handleDeviceAttendance)
		device.POST("/heartbeat", s.handleDeviceHeartbeat)
		device.POST("/status", s.handleDeviceStatus)
		device.POST("/sync", s.handleDeviceSync)
		device.GET("/commands", s.handleDevicePoll)
		device.POST("/commands/result", s.handleCommandResult)
	}

	r.POST("/v1/admin/login", s.handleAdminLogin)
	r.GET("/v1/admin/ws", s.handleObserverWS)

	admin := r.Group("/v1/admin", auth.AdminAuth(s.cfg.JWTSigningKey, s.cfg.JWTIssuer))
	{
		admin.POST("/commands", s.handleCreateCommand)
		admin.GET("/commands", s.handleListCommands)
		admin.GET("/devices", s.handleListDevices)
		admin.GET("/devices/:deviceId/status", s.handleDeviceStatusHistory)
		admin.DELETE("/devices/:deviceId", s.handleDeleteDevice)
		admin.GET("/sessions/:sessionId/summary", s.handleSessionSummary)
	}

	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, body)
}

// CORS middleware for the admin dashboard.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Device-Id, X-Mac-Address, X-Api-Key")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
