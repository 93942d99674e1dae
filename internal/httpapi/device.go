package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"amsbroker/internal/ingest"
	"amsbroker/internal/store"
	"amsbroker/internal/transport"
)

// Device REST fallback. Mirrors the websocket frame semantics so a
// device without a socket connection loses nothing but push delivery.

func (s *Server) handleDeviceHello(c *gin.Context) {
	deviceID := c.GetString("deviceID")
	mac := c.GetString("macAddress")

	if _, err := s.ingest.Heartbeat(c.Request.Context(), store.Heartbeat{
		DeviceID:   deviceID,
		MacAddress: mac,
		IPAddress:  c.ClientIP(),
		Timestamp:  time.Now().UTC(),
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Printf("httpapi: hello heartbeat for %s: %v", deviceID, err)
	}

	c.JSON(http.StatusOK, transport.Welcome{
		Type:      transport.TypeWelcome,
		Message:   "connected to attendance broker",
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleDeviceAttendance(c *gin.Context) {
	var req transport.Attendance
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = c.GetString("deviceID")
	}

	res, err := s.ingest.Ingest(c.Request.Context(), scanEvent(deviceID, req.ScanPayload, false))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
		return
	}

	c.JSON(http.StatusOK, scanResponse(res))
}

func (s *Server) handleDeviceHeartbeat(c *gin.Context) {
	var req transport.HeartbeatFrame
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = c.GetString("deviceID")
	}

	device, err := s.ingest.Heartbeat(c.Request.Context(), heartbeatFromFrame(req, c.GetString("macAddress"), c.ClientIP()))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "device not registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "device": device})
}

func (s *Server) handleDeviceStatus(c *gin.Context) {
	var req transport.StatusFrame
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = c.GetString("deviceID")
	}

	at := time.Time{}
	if req.Timestamp > 0 {
		at = time.Unix(req.Timestamp, 0).UTC()
	}
	if err := s.ingest.ReportStatus(c.Request.Context(), req.DeviceID, req.Status, req.Message, at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "device not registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDeviceSync(c *gin.Context) {
	var req transport.SyncFrame
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = c.GetString("deviceID")
	}

	var tel store.Telemetry
	if len(req.DeviceStatus) > 0 {
		if err := json.Unmarshal(req.DeviceStatus, &tel); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid deviceStatus"})
			return
		}
	}

	device, results, err := s.ingest.Sync(c.Request.Context(), req.DeviceID, req.OfflineRecords, tel)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "device not registered"})
			return
		}
		// Partial results still go back so the device can clear what
		// was committed and retry the rest.
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "sync aborted",
			"results": results,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"device":  device,
		"results": results,
	})
}

func (s *Server) handleDevicePoll(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		deviceID = c.GetString("deviceID")
	}

	cmds, err := s.relay.Poll(c.Request.Context(), deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
		return
	}
	if cmds == nil {
		cmds = []store.Command{}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "commands": cmds})
}

func (s *Server) handleCommandResult(c *gin.Context) {
	var req transport.CommandResult
	if err := c.ShouldBindJSON(&req); err != nil || req.CommandID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body"})
		return
	}

	cmd, err := s.relay.ReportResult(c.Request.Context(), req.CommandID, store.CommandStatus(req.Status), req.Result)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "command not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "command": cmd})
}

func scanEvent(deviceID string, p transport.ScanPayload, offline bool) ingest.ScanEvent {
	at := time.Now().UTC()
	if p.Timestamp > 0 {
		at = time.Unix(p.Timestamp, 0).UTC()
	}
	return ingest.ScanEvent{
		DeviceID:   deviceID,
		Method:     ingest.ParseMethod(p.Method),
		Identifier: p.Identifier,
		Timestamp:  at,
		Offline:    offline,
	}
}

func heartbeatFromFrame(f transport.HeartbeatFrame, mac, ip string) store.Heartbeat {
	at := time.Now().UTC()
	if f.Timestamp > 0 {
		at = time.Unix(f.Timestamp, 0).UTC()
	}
	if f.IPAddress != "" {
		ip = f.IPAddress
	}
	return store.Heartbeat{
		DeviceID:   f.DeviceID,
		MacAddress: mac,
		IPAddress:  ip,
		RSSI:       f.RSSI,
		Timestamp:  at,
	}
}

func scanResponse(res ingest.ScanResult) gin.H {
	body := gin.H{
		"success":         res.Outcome != ingest.OutcomeError,
		"message":         res.Outcome.Message(),
		"sessionActive":   res.SessionActive,
		"userFound":       res.UserFound,
		"alreadyRecorded": res.AlreadyRecorded,
	}
	if res.RecordID != "" {
		body["recordId"] = res.RecordID
	}
	if res.StudentName != "" {
		body["studentName"] = res.StudentName
	}
	if res.Status != "" {
		body["status"] = res.Status
	}
	return body
}
