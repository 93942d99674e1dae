// Package ingest turns raw scan events into durable, deduplicated
// attendance records, online or as offline catch-up batches.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"amsbroker/internal/metrics"
	"amsbroker/internal/queue"
	"amsbroker/internal/store"
	"amsbroker/internal/transport"
)

// DefaultGracePeriod separates PRESENT from LATE relative to session start.
const DefaultGracePeriod = 15 * time.Minute

// Outcome classifies one scan. Everything except OutcomeError is a normal
// steady state, not a failure.
type Outcome string

const (
	OutcomeRecorded        Outcome = "recorded"
	OutcomeDeviceUnknown   Outcome = "device_unknown"
	OutcomeNoActiveSession Outcome = "no_active_session"
	OutcomeUserNotFound    Outcome = "user_not_found"
	OutcomeAlreadyRecorded Outcome = "already_recorded"
	OutcomeError           Outcome = "error"
)

// Message is the human-readable line shown on the terminal display.
func (o Outcome) Message() string {
	switch o {
	case OutcomeRecorded:
		return "attendance recorded"
	case OutcomeDeviceUnknown:
		return "device not registered"
	case OutcomeNoActiveSession:
		return "no active session"
	case OutcomeUserNotFound:
		return "user not found"
	case OutcomeAlreadyRecorded:
		return "attendance already recorded"
	default:
		return "internal error"
	}
}

// ScanEvent is one verification event from a terminal.
type ScanEvent struct {
	DeviceID   string
	Method     store.VerificationMethod
	Identifier string
	Timestamp  time.Time
	Offline    bool
}

// ScanResult reports what the pipeline did with a scan.
type ScanResult struct {
	Outcome         Outcome
	RecordID        string
	Status          store.RecordStatus
	SessionActive   bool
	UserFound       bool
	AlreadyRecorded bool
	StudentName     string
	CourseCode      string
}

// BatchItemResult is the per-record outcome of an offline batch, so the
// device can prune its local queue entry by entry.
type BatchItemResult struct {
	Index    int     `json:"index"`
	Outcome  Outcome `json:"outcome"`
	RecordID string  `json:"recordId,omitempty"`
}

// AttendanceUpdate is the enriched event broadcast to observers after a
// successful commit.
type AttendanceUpdate struct {
	RecordID    string             `json:"recordId"`
	SessionID   string             `json:"sessionId"`
	CourseCode  string             `json:"courseCode"`
	CourseTitle string             `json:"courseTitle"`
	StudentID   string             `json:"studentId"`
	StudentName string             `json:"studentName"`
	Method      store.VerificationMethod `json:"verificationMethod"`
	Status      store.RecordStatus `json:"status"`
	Timestamp   time.Time          `json:"timestamp"`
	Offline     bool               `json:"offline"`
}

// DeviceStatusUpdate is broadcast when a device's status or sync state changes.
type DeviceStatusUpdate struct {
	DeviceID string                 `json:"deviceId"`
	Status   store.DeviceStatusCode `json:"status"`
	Message  string                 `json:"message,omitempty"`
	LastSeen time.Time              `json:"lastSeen"`
	LastSync time.Time              `json:"lastSync,omitempty"`
}

// Service is the ingestion pipeline plus the device-facing heartbeat,
// status and sync operations.
type Service struct {
	store  store.Store
	events queue.Queue
	grace  time.Duration
	logger *log.Logger
}

func NewService(st store.Store, events queue.Queue, grace time.Duration, logger *log.Logger) *Service {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Service{store: st, events: events, grace: grace, logger: logger}
}

// Ingest runs the pipeline for one scan. Soft outcomes (unknown device, no
// session, unresolved identity, duplicate) come back in the result with a
// nil error; only store failures are errors.
func (s *Service) Ingest(ctx context.Context, ev ScanEvent) (ScanResult, error) {
	res, err := s.ingest(ctx, ev)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(string(OutcomeError)).Inc()
		return res, err
	}
	metrics.ScansTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (s *Service) ingest(ctx context.Context, ev ScanEvent) (ScanResult, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	device, err := s.store.GetDevice(ctx, ev.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Printf("ingest: scan from unknown device %q", ev.DeviceID)
		return ScanResult{Outcome: OutcomeDeviceUnknown}, nil
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("resolve device: %w", err)
	}

	sess, err := s.store.ActiveSession(ctx, device.DeviceID, ev.Timestamp)
	if errors.Is(err, store.ErrNotFound) {
		return ScanResult{Outcome: OutcomeNoActiveSession}, nil
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("resolve session: %w", err)
	}

	user, err := s.resolveUser(ctx, ev)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Printf("ingest: no user for %s identifier %q (device %s)", ev.Method, ev.Identifier, ev.DeviceID)
		return ScanResult{Outcome: OutcomeUserNotFound, SessionActive: true}, nil
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("resolve user: %w", err)
	}

	already, err := s.store.HasRecord(ctx, sess.ID, user.ID)
	if err != nil {
		return ScanResult{}, fmt.Errorf("dedupe check: %w", err)
	}
	if already {
		return ScanResult{
			Outcome:         OutcomeAlreadyRecorded,
			SessionActive:   true,
			UserFound:       true,
			AlreadyRecorded: true,
		}, nil
	}

	status := store.StatusPresent
	if ev.Timestamp.After(sess.StartTime.Add(s.grace)) {
		status = store.StatusLate
	}

	rec := store.AttendanceRecord{
		SessionID: sess.ID,
		DeviceID:  device.DeviceID,
		StudentID: user.ID,
		Method:    ev.Method,
		Status:    status,
		Timestamp: ev.Timestamp,
		Offline:   ev.Offline,
	}
	if ev.Offline {
		now := time.Now().UTC()
		rec.SyncedAt = &now
	}

	rec, err = s.store.InsertRecord(ctx, rec)
	if errors.Is(err, store.ErrDuplicateRecord) {
		// Lost the race against a concurrent scan for the same pair; the
		// store's uniqueness constraint is the real guard here.
		return ScanResult{
			Outcome:         OutcomeAlreadyRecorded,
			SessionActive:   true,
			UserFound:       true,
			AlreadyRecorded: true,
		}, nil
	}
	if err != nil {
		return ScanResult{}, fmt.Errorf("commit record: %w", err)
	}

	s.publish(ctx, transport.TypeAttendanceUpdate, AttendanceUpdate{
		RecordID:    rec.ID,
		SessionID:   sess.ID,
		CourseCode:  sess.CourseCode,
		CourseTitle: sess.CourseTitle,
		StudentID:   user.ID,
		StudentName: user.Name,
		Method:      ev.Method,
		Status:      status,
		Timestamp:   rec.Timestamp,
		Offline:     ev.Offline,
	})

	return ScanResult{
		Outcome:       OutcomeRecorded,
		RecordID:      rec.ID,
		Status:        status,
		SessionActive: true,
		UserFound:     true,
		StudentName:   user.Name,
		CourseCode:    sess.CourseCode,
	}, nil
}

func (s *Service) resolveUser(ctx context.Context, ev ScanEvent) (store.User, error) {
	if ev.Identifier == "" {
		return store.User{}, store.ErrNotFound
	}
	switch ev.Method {
	case store.MethodFingerprint:
		return s.store.FindByFingerprint(ctx, ev.Identifier)
	case store.MethodRFID:
		return s.store.FindByRFID(ctx, ev.Identifier)
	default:
		return store.User{}, store.ErrNotFound
	}
}

// IngestBatch applies the pipeline to each record of an offline batch in
// order. Soft outcomes are collected per record and never abort the batch;
// a store failure stops processing and returns the results so far, so the
// device knows exactly which entries still need resubmission.
func (s *Service) IngestBatch(ctx context.Context, deviceID string, records []transport.OfflineRecord) ([]BatchItemResult, error) {
	results := make([]BatchItemResult, 0, len(records))
	for i, rec := range records {
		ev := ScanEvent{
			DeviceID:   deviceID,
			Method:     ParseMethod(rec.Method),
			Identifier: rec.Identifier,
			Offline:    true,
		}
		if rec.Timestamp > 0 {
			ev.Timestamp = time.Unix(rec.Timestamp, 0).UTC()
		}
		res, err := s.Ingest(ctx, ev)
		if err != nil {
			return results, fmt.Errorf("batch record %d: %w", i, err)
		}
		results = append(results, BatchItemResult{Index: i, Outcome: res.Outcome, RecordID: res.RecordID})
	}
	return results, nil
}

// Heartbeat upserts the device's liveness telemetry.
func (s *Service) Heartbeat(ctx context.Context, hb store.Heartbeat) (store.Device, error) {
	return s.store.UpsertHeartbeat(ctx, hb)
}

// ReportStatus appends to the device's status history, updates its current
// status and notifies observers.
func (s *Service) ReportStatus(ctx context.Context, deviceID, status, message string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.store.AppendStatus(ctx, store.StatusEntry{
		DeviceID:  deviceID,
		Status:    status,
		Message:   message,
		Timestamp: at,
	}); err != nil {
		return err
	}
	code := ParseDeviceStatus(status)
	if err := s.store.UpdateDeviceStatus(ctx, deviceID, code, message); err != nil {
		return err
	}
	s.publish(ctx, transport.TypeDeviceStatusUpdate, DeviceStatusUpdate{
		DeviceID: deviceID,
		Status:   code,
		Message:  message,
		LastSeen: at,
	})
	return nil
}

// Sync reconciles a device's offline queue: every buffered record goes
// through the pipeline, the device row is updated with the reported
// telemetry, and the sync is audited.
func (s *Service) Sync(ctx context.Context, deviceID string, records []transport.OfflineRecord, tel store.Telemetry) (store.Device, []BatchItemResult, error) {
	results, err := s.IngestBatch(ctx, deviceID, records)
	if err != nil {
		return store.Device{}, results, err
	}

	now := time.Now().UTC()
	device, err := s.store.MarkSynced(ctx, deviceID, tel, now)
	if err != nil {
		return store.Device{}, results, err
	}

	committed := 0
	for _, r := range results {
		if r.Outcome == OutcomeRecorded {
			committed++
		}
	}
	if err := s.store.AppendAudit(ctx, store.AuditEntry{
		Action:   "OFFLINE_RECORDS_SYNCED",
		Entity:   "DEVICE",
		EntityID: deviceID,
		Details:  fmt.Sprintf("synced %d of %d offline records", committed, len(records)),
	}); err != nil {
		s.logger.Printf("ingest: audit append for %s: %v", deviceID, err)
	}

	s.publish(ctx, transport.TypeDeviceStatusUpdate, DeviceStatusUpdate{
		DeviceID: deviceID,
		Status:   device.Status,
		LastSeen: device.LastSeen,
		LastSync: device.LastSync,
	})
	return device, results, nil
}

// SessionSummary derives attendance counts for a session. ABSENT is
// computed here from the enrollment roll, never written by ingestion.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	Enrolled  int    `json:"enrolled"`
	Present   int    `json:"present"`
	Late      int    `json:"late"`
	Absent    int    `json:"absent"`
}

func (s *Service) SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	enrolled, err := s.store.ListEnrolled(ctx, sess.CourseID)
	if err != nil {
		return SessionSummary{}, err
	}
	records, err := s.store.ListBySession(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}

	sum := SessionSummary{SessionID: sessionID, Enrolled: len(enrolled)}
	recorded := make(map[string]struct{}, len(records))
	for _, rec := range records {
		recorded[rec.StudentID] = struct{}{}
		switch rec.Status {
		case store.StatusLate:
			sum.Late++
		default:
			sum.Present++
		}
	}
	for _, u := range enrolled {
		if _, ok := recorded[u.ID]; !ok {
			sum.Absent++
		}
	}
	return sum, nil
}

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if s.events == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("ingest: marshal %s event: %v", eventType, err)
		return
	}
	if err := s.events.Publish(ctx, queue.Message{Type: eventType, Body: body}); err != nil {
		s.logger.Printf("ingest: publish %s event: %v", eventType, err)
	}
}

// ParseMethod maps a wire method string to a verification method.
func ParseMethod(v string) store.VerificationMethod {
	switch v {
	case "fingerprint", "FINGERPRINT":
		return store.MethodFingerprint
	case "rfid", "RFID":
		return store.MethodRFID
	case "manual", "MANUAL":
		return store.MethodManual
	default:
		return store.VerificationMethod(v)
	}
}

// ParseDeviceStatus maps a reported status string to a status code,
// defaulting to ACTIVE for the online/ok variants devices send.
func ParseDeviceStatus(v string) store.DeviceStatusCode {
	switch v {
	case "ACTIVE", "online", "ok":
		return store.DeviceActive
	case "INACTIVE", "offline":
		return store.DeviceInactive
	case "MAINTENANCE", "maintenance":
		return store.DeviceMaintenance
	case "ERROR", "error":
		return store.DeviceError
	default:
		return store.DeviceActive
	}
}
