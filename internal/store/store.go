package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared by all store implementations.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateRecord  = errors.New("attendance already recorded")
	ErrDeviceReferenced = errors.New("device has attendance history")
)

// DeviceStatusCode is the operational state reported by or assigned to a terminal.
type DeviceStatusCode string

const (
	DeviceActive      DeviceStatusCode = "ACTIVE"
	DeviceInactive    DeviceStatusCode = "INACTIVE"
	DeviceMaintenance DeviceStatusCode = "MAINTENANCE"
	DeviceError       DeviceStatusCode = "ERROR"
)

// Device is a registered attendance terminal. DeviceID is the stable
// hardware identifier presented at handshake; ID is the storage key.
type Device struct {
	ID              string           `json:"id"`
	DeviceID        string           `json:"device_id"`
	MacAddress      string           `json:"mac_address"`
	IPAddress       string           `json:"ip_address,omitempty"`
	Location        string           `json:"location,omitempty"`
	HasFingerprint  bool             `json:"has_fingerprint"`
	HasRFID         bool             `json:"has_rfid"`
	HasCamera       bool             `json:"has_camera"`
	Status          DeviceStatusCode `json:"status"`
	StatusMessage   string           `json:"status_message,omitempty"`
	FirmwareVersion string           `json:"firmware_version,omitempty"`
	BatteryLevel    int              `json:"battery_level"`
	StorageFree     int64            `json:"storage_free"`
	RSSI            int              `json:"rssi"`
	LastSeen        time.Time        `json:"last_seen"`
	LastSync        time.Time        `json:"last_sync"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Heartbeat is the periodic liveness report from a terminal.
type Heartbeat struct {
	DeviceID   string
	MacAddress string
	IPAddress  string
	RSSI       int
	Timestamp  time.Time
}

// Telemetry carries the device health fields reported during a sync.
type Telemetry struct {
	Status          DeviceStatusCode `json:"status,omitempty"`
	BatteryLevel    int              `json:"battery_level"`
	StorageFree     int64            `json:"storage_free"`
	FirmwareVersion string           `json:"firmware_version,omitempty"`
}

// CommandStatus transitions are monotonic: pending -> sent -> completed|failed.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Terminal reports whether a command status admits no further transitions.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// Command is a unit of work addressed to exactly one device. Parameters and
// Result are opaque to the broker; the edges give them meaning.
type Command struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	Type        string          `json:"type"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Status      CommandStatus   `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SessionStatus is the lifecycle state of an attendance session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "SCHEDULED"
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// AttendanceSession is a window during which a course accepts attendance
// on a given device.
type AttendanceSession struct {
	ID          string        `json:"id"`
	CourseID    string        `json:"course_id"`
	CourseCode  string        `json:"course_code"`
	CourseTitle string        `json:"course_title"`
	DeviceID    string        `json:"device_id"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Status      SessionStatus `json:"status"`
}

// VerificationMethod identifies how a student was verified at the terminal.
type VerificationMethod string

const (
	MethodFingerprint VerificationMethod = "FINGERPRINT"
	MethodRFID        VerificationMethod = "RFID"
	MethodManual      VerificationMethod = "MANUAL"
)

// RecordStatus classifies an attendance record. ABSENT is never written by
// ingestion; it is derived at reporting time for students with no record.
type RecordStatus string

const (
	StatusPresent RecordStatus = "PRESENT"
	StatusLate    RecordStatus = "LATE"
	StatusAbsent  RecordStatus = "ABSENT"
	StatusExcused RecordStatus = "EXCUSED"
)

// AttendanceRecord is an immutable attendance fact. At most one record may
// exist per (session, student) pair; the store enforces this.
type AttendanceRecord struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	DeviceID  string             `json:"device_id"`
	StudentID string             `json:"student_id"`
	Method    VerificationMethod `json:"verification_method"`
	Status    RecordStatus       `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Offline   bool               `json:"offline"`
	SyncedAt  *time.Time         `json:"synced_at,omitempty"`
}

// User is the identity surface the pipeline resolves scans against.
type User struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MatricNumber  string `json:"matric_number"`
	FingerprintID string `json:"-"`
	RFIDUID       string `json:"-"`
}

// StatusEntry is one row of a device's status history.
type StatusEntry struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry records an operator-visible action.
type AuditEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity,omitempty"`
	EntityID  string    `json:"entity_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	UpsertHeartbeat(ctx context.Context, hb Heartbeat) (Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatusCode, message string) error
	MarkSynced(ctx context.Context, deviceID string, t Telemetry, at time.Time) (Device, error)
	ListDevices(ctx context.Context) ([]Device, error)

	// DeleteDevice removes a device and its command/status history. It
	// returns ErrDeviceReferenced while attendance records still point at
	// the device.
	DeleteDevice(ctx context.Context, deviceID string) error
}

type UserStore interface {
	FindByFingerprint(ctx context.Context, templateID string) (User, error)
	FindByRFID(ctx context.Context, uid string) (User, error)
	ListEnrolled(ctx context.Context, courseID string) ([]User, error)
}

type SessionStore interface {
	// ActiveSession returns the session bound to the device whose window
	// contains at and whose status is ACTIVE or SCHEDULED.
	ActiveSession(ctx context.Context, deviceID string, at time.Time) (AttendanceSession, error)
	GetSession(ctx context.Context, id string) (AttendanceSession, error)
}

type RecordStore interface {
	// InsertRecord commits an attendance fact. It returns
	// ErrDuplicateRecord when a record for the same (session, student)
	// pair already exists; the uniqueness constraint is the concurrency
	// guard for the dedupe check.
	InsertRecord(ctx context.Context, rec AttendanceRecord) (AttendanceRecord, error)
	HasRecord(ctx context.Context, sessionID, studentID string) (bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
}

type CommandStore interface {
	CreateCommand(ctx context.Context, deviceID, cmdType string, params json.RawMessage) (Command, error)

	// PendingCommands returns pending commands for the device in creation
	// order.
	PendingCommands(ctx context.Context, deviceID string) ([]Command, error)
	MarkSent(ctx context.Context, ids []string, at time.Time) error

	// CompleteCommand transitions sent -> completed|failed. A command
	// already in a terminal status is returned unchanged (duplicate result
	// reports are no-ops).
	CompleteCommand(ctx context.Context, id string, status CommandStatus, result json.RawMessage) (Command, error)
	ListCommands(ctx context.Context, deviceID string, limit int) ([]Command, error)
}

type StatusStore interface {
	AppendStatus(ctx context.Context, entry StatusEntry) error
	StatusHistory(ctx context.Context, deviceID string, limit int) ([]StatusEntry, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Store is the full durable-store surface the broker depends on.
type Store interface {
	DeviceStore
	UserStore
	SessionStore
	RecordStore
	CommandStore
	StatusStore
	AuditStore
}
