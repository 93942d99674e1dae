package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"amsbroker/internal/auth"
	"amsbroker/internal/store"
)

type loginRequest struct {
	APIKey string `json:"apiKey" binding:"required"`
}

func (s *Server) handleAdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "apiKey is required"})
		return
	}

	if s.cfg.AdminAPIKey == "" ||
		subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.cfg.AdminAPIKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	tokens, err := auth.Issue("admin", "admin", s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL, s.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue tokens"})
		return
	}

	c.JSON(http.StatusOK, tokens)
}

type createCommandRequest struct {
	DeviceID   string          `json:"deviceId" binding:"required"`
	Type       string          `json:"type" binding:"required"`
	Parameters json.RawMessage `json:"parameters"`
}

func (s *Server) handleCreateCommand(c *gin.Context) {
	var req createCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId and type are required"})
		return
	}

	cmd, err := s.relay.Enqueue(c.Request.Context(), req.DeviceID, req.Type, req.Parameters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not enqueue command"})
		return
	}

	// 202: the command is durable, delivery happens when the device is
	// reachable.
	c.JSON(http.StatusAccepted, gin.H{"success": true, "command": cmd})
}

func (s *Server) handleListCommands(c *gin.Context) {
	deviceID := c.Query("deviceId")
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	cmds, err := s.relay.Commands(c.Request.Context(), deviceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list commands"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

type deviceView struct {
	store.Device
	Connected bool `json:"connected"`
}

func (s *Server) handleListDevices(c *gin.Context) {
	devices, err := s.store.ListDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list devices"})
		return
	}

	online := make(map[string]struct{})
	for _, id := range s.reg.Connected() {
		online[id] = struct{}{}
	}

	views := make([]deviceView, len(devices))
	for i, d := range devices {
		_, up := online[d.DeviceID]
		views[i] = deviceView{Device: d, Connected: up}
	}

	c.JSON(http.StatusOK, gin.H{"devices": views, "connected": len(online)})
}

func (s *Server) handleDeviceStatusHistory(c *gin.Context) {
	deviceID := c.Param("deviceId")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	history, err := s.store.StatusHistory(c.Request.Context(), deviceID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load status history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "history": history})
}

func (s *Server) handleDeleteDevice(c *gin.Context) {
	deviceID := c.Param("deviceId")

	err := s.store.DeleteDevice(c.Request.Context(), deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	case errors.Is(err, store.ErrDeviceReferenced):
		c.JSON(http.StatusConflict, gin.H{"error": "device has attendance records"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete device"})
		return
	}

	if conn, ok := s.reg.Lookup(deviceID); ok {
		s.reg.Unregister(deviceID, conn)
		_ = conn.Close()
	}

	if err := s.store.AppendAudit(c.Request.Context(), store.AuditEntry{
		Action:   "DEVICE_DELETED",
		Entity:   "DEVICE",
		EntityID: deviceID,
	}); err != nil {
		s.logger.Printf("httpapi: audit device delete %s: %v", deviceID, err)
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleSessionSummary(c *gin.Context) {
	sessionID := c.Param("sessionId")

	summary, err := s.ingest.SessionSummary(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not build summary"})
		return
	}

	c.JSON(http.StatusOK, summary)
}
