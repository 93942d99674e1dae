// Package transport abstracts the two device transports: a persistent
// websocket and an HTTP poll fallback. Both speak the same JSON frames.
package transport

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with devices and observers.
const (
	TypeHello         = "hello"
	TypeWelcome       = "welcome"
	TypeAttendance    = "attendance"
	TypeAttendanceAck = "attendance_ack"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeStatus        = "status"
	TypeSync          = "sync"
	TypeSyncAck       = "sync_ack"
	TypeCommand       = "device_command"
	TypeCommandResult = "command_result"
	TypeError         = "error"

	// Observer-facing broadcast types.
	TypeAttendanceUpdate   = "attendance_update"
	TypeDeviceStatusUpdate = "device_status_update"
)

// Envelope is the minimal frame header; the payload is decoded per type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PeekType reads the type discriminator from a raw frame. Device frames
// are flat objects, so the full decode happens per type after peeking.
func PeekType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

type Welcome struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ScanPayload carries one scan. Its "type" field is the verification
// method (fingerprint | rfid), which is why the websocket attendance frame
// nests it under "data" instead of flattening it into the envelope.
type ScanPayload struct {
	Method     string `json:"type"` // fingerprint | rfid
	Identifier string `json:"identifier"`
	Success    bool   `json:"success"`
	Timestamp  int64  `json:"timestamp"` // unix seconds; 0 means now
}

// Attendance is the flat POST body of the fallback transport.
type Attendance struct {
	DeviceID string `json:"deviceId"`
	ScanPayload
}

// AttendanceWS is the websocket form: {type:"attendance", deviceId, data:{...}}.
type AttendanceWS struct {
	DeviceID string      `json:"deviceId"`
	Data     ScanPayload `json:"data"`
}

type AttendanceAck struct {
	Type            string `json:"type"`
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	SessionActive   bool   `json:"sessionActive"`
	UserFound       bool   `json:"userFound"`
	AlreadyRecorded bool   `json:"alreadyRecorded"`
	RecordID        string `json:"recordId,omitempty"`
}

type HeartbeatFrame struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
	RSSI      int    `json:"rssi"`
	IPAddress string `json:"ipAddress,omitempty"`
}

type StatusFrame struct {
	DeviceID  string `json:"deviceId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type OfflineRecord struct {
	Method     string `json:"type"` // fingerprint | rfid
	Identifier string `json:"identifier"`
	Timestamp  int64  `json:"timestamp"`
}

type SyncFrame struct {
	DeviceID       string          `json:"deviceId"`
	OfflineRecords []OfflineRecord `json:"offlineRecords"`
	DeviceStatus   json.RawMessage `json:"deviceStatus,omitempty"`
}

// CommandFrame is the server-to-device delivery of one command.
type CommandFrame struct {
	Type       string          `json:"type"`
	CommandID  string          `json:"commandId"`
	DeviceID   string          `json:"deviceId"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// CommandResult is the device's completion report, correlated by commandId.
type CommandResult struct {
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"` // completed | failed
	Result    json.RawMessage `json:"result,omitempty"`
}
