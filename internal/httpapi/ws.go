package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"amsbroker/internal/auth"
	"amsbroker/internal/ingest"
	"amsbroker/internal/store"
	"amsbroker/internal/transport"
)

// frameTimeout bounds the store work done for a single inbound frame.
const frameTimeout = 10 * time.Second

// handleDeviceWS is the persistent device transport. The handshake is
// validated before the upgrade so a bad client never creates connection
// state.
func (s *Server) handleDeviceWS(c *gin.Context) {
	hs, err := transport.DeviceHandshake(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing handshake headers"})
		return
	}
	if s.cfg.HardwareAPIKey == "" ||
		subtle.ConstantTimeCompare([]byte(hs.APIKey), []byte(s.cfg.HardwareAPIKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}

	ws, err := transport.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("httpapi: upgrade for %s: %v", hs.DeviceID, err)
		return
	}
	conn := transport.NewWSConn(ws)
	conn.OnPong(func() { s.reg.Pong(hs.DeviceID) })

	if err := s.reg.Register(hs.DeviceID, conn); err != nil {
		_ = conn.Close()
		return
	}
	s.logger.Printf("httpapi: device %s connected from %s", hs.DeviceID, conn.RemoteAddr())

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	if _, err := s.ingest.Heartbeat(ctx, store.Heartbeat{
		DeviceID:   hs.DeviceID,
		MacAddress: hs.MacAddress,
		IPAddress:  c.ClientIP(),
		Timestamp:  time.Now().UTC(),
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Printf("httpapi: connect heartbeat for %s: %v", hs.DeviceID, err)
	}
	cancel()

	_ = conn.Send(transport.Welcome{
		Type:      transport.TypeWelcome,
		Message:   "connected to attendance broker",
		Timestamp: time.Now().UTC(),
	})

	// Flush any commands queued while the device was offline.
	ctx, cancel = context.WithTimeout(context.Background(), frameTimeout)
	if _, err := s.relay.Deliver(ctx, hs.DeviceID); err != nil {
		s.logger.Printf("httpapi: backlog delivery for %s: %v", hs.DeviceID, err)
	}
	cancel()

	s.deviceReadLoop(hs, conn)
}

func (s *Server) deviceReadLoop(hs transport.Handshake, conn *transport.WSConn) {
	defer func() {
		s.reg.Unregister(hs.DeviceID, conn)
		_ = conn.Close()
		s.logger.Printf("httpapi: device %s disconnected", hs.DeviceID)
	}()

	for {
		raw, err := conn.ReadRaw()
		if err != nil {
			return
		}

		frameType, err := transport.PeekType(raw)
		if err != nil {
			s.logger.Printf("httpapi: bad frame from %s: %v", hs.DeviceID, err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		s.handleDeviceFrame(ctx, hs, conn, frameType, raw)
		cancel()
	}
}

func (s *Server) handleDeviceFrame(ctx context.Context, hs transport.Handshake, conn *transport.WSConn, frameType string, raw []byte) {
	switch frameType {
	case transport.TypeHello:
		_ = conn.Send(transport.Welcome{
			Type:      transport.TypeWelcome,
			Message:   "connected to attendance broker",
			Timestamp: time.Now().UTC(),
		})

	case transport.TypeAttendance:
		var frame transport.AttendanceWS
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(conn, "invalid attendance frame")
			return
		}
		deviceID := frame.DeviceID
		if deviceID == "" {
			deviceID = hs.DeviceID
		}
		res, err := s.ingest.Ingest(ctx, scanEvent(deviceID, frame.Data, false))
		if err != nil {
			s.sendError(conn, "internal error")
			return
		}
		_ = conn.Send(transport.AttendanceAck{
			Type:            transport.TypeAttendanceAck,
			Success:         res.Outcome != ingest.OutcomeError,
			Message:         res.Outcome.Message(),
			SessionActive:   res.SessionActive,
			UserFound:       res.UserFound,
			AlreadyRecorded: res.AlreadyRecorded,
			RecordID:        res.RecordID,
		})

	case transport.TypeHeartbeat:
		var frame transport.HeartbeatFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(conn, "invalid heartbeat frame")
			return
		}
		if frame.DeviceID == "" {
			frame.DeviceID = hs.DeviceID
		}
		s.reg.Pong(hs.DeviceID)
		if _, err := s.ingest.Heartbeat(ctx, heartbeatFromFrame(frame, hs.MacAddress, conn.RemoteAddr())); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Printf("httpapi: heartbeat for %s: %v", hs.DeviceID, err)
			return
		}
		_ = conn.Send(map[string]any{"type": transport.TypeHeartbeatAck, "success": true})

	case transport.TypeStatus:
		var frame transport.StatusFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(conn, "invalid status frame")
			return
		}
		if frame.DeviceID == "" {
			frame.DeviceID = hs.DeviceID
		}
		at := time.Time{}
		if frame.Timestamp > 0 {
			at = time.Unix(frame.Timestamp, 0).UTC()
		}
		if err := s.ingest.ReportStatus(ctx, frame.DeviceID, frame.Status, frame.Message, at); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Printf("httpapi: status for %s: %v", hs.DeviceID, err)
		}

	case transport.TypeSync:
		var frame transport.SyncFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError(conn, "invalid sync frame")
			return
		}
		if frame.DeviceID == "" {
			frame.DeviceID = hs.DeviceID
		}
		var tel store.Telemetry
		if len(frame.DeviceStatus) > 0 {
			if err := json.Unmarshal(frame.DeviceStatus, &tel); err != nil {
				s.sendError(conn, "invalid deviceStatus")
				return
			}
		}
		_, results, err := s.ingest.Sync(ctx, frame.DeviceID, frame.OfflineRecords, tel)
		if err != nil {
			s.logger.Printf("httpapi: sync for %s: %v", hs.DeviceID, err)
		}
		_ = conn.Send(map[string]any{
			"type":    transport.TypeSyncAck,
			"success": err == nil,
			"results": results,
		})

	case transport.TypeCommandResult:
		var frame transport.CommandResult
		if err := json.Unmarshal(raw, &frame); err != nil || frame.CommandID == "" {
			s.sendError(conn, "invalid command_result frame")
			return
		}
		if _, err := s.relay.ReportResult(ctx, frame.CommandID, store.CommandStatus(frame.Status), frame.Result); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Printf("httpapi: command result %s from %s: %v", frame.CommandID, hs.DeviceID, err)
		}

	default:
		s.logger.Printf("httpapi: unknown frame type %q from %s", frameType, hs.DeviceID)
	}
}

func (s *Server) sendError(conn *transport.WSConn, msg string) {
	_ = conn.Send(map[string]any{"type": transport.TypeError, "message": msg})
}

// handleObserverWS attaches an admin dashboard to the broadcast hub.
// Browsers cannot set Authorization on a websocket handshake, so the
// token rides a query parameter.
func (s *Server) handleObserverWS(c *gin.Context) {
	token := c.Query("token")
	claims, err := auth.Parse(token, s.cfg.JWTSigningKey, s.cfg.JWTIssuer)
	if err != nil || claims.Role != "admin" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ws, err := transport.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("httpapi: observer upgrade: %v", err)
		return
	}
	conn := transport.NewWSConn(ws)
	s.hub.Subscribe(conn)

	defer func() {
		s.hub.Unsubscribe(conn)
		_ = conn.Close()
	}()

	// Observers only listen. Drain inbound frames to notice the close.
	for {
		if _, err := conn.ReadRaw(); err != nil {
			return
		}
	}
}
