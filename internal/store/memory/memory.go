// Package memory holds an in-memory Store used by the dev profile and tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"amsbroker/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	devices  map[string]store.Device // keyed by DeviceID
	users    map[string]store.User
	enrolled map[string][]string // courseID -> userIDs
	sessions map[string]store.AttendanceSession
	records  map[string]store.AttendanceRecord
	recIndex map[string]string // sessionID+"/"+studentID -> recordID
	commands map[string]store.Command
	cmdSeq   []string // creation order
	statuses []store.StatusEntry
	audits   []store.AuditEntry
}

func New() *Store {
	return &Store{
		devices:  make(map[string]store.Device),
		users:    make(map[string]store.User),
		enrolled: make(map[string][]string),
		sessions: make(map[string]store.AttendanceSession),
		records:  make(map[string]store.AttendanceRecord),
		recIndex: make(map[string]string),
		commands: make(map[string]store.Command),
	}
}

// SeedDevice, SeedUser, SeedSession and SeedEnrollment populate fixtures.

func (s *Store) SeedDevice(d store.Device) store.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = store.DeviceActive
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.devices[d.DeviceID] = d
	return d
}

func (s *Store) SeedUser(u store.User) store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.ID] = u
	return u
}

func (s *Store) SeedSession(sess store.AttendanceSession) store.AttendanceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = store.SessionActive
	}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *Store) SeedEnrollment(courseID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolled[courseID] = append(s.enrolled[courseID], userIDs...)
}

func (s *Store) GetDevice(_ context.Context, deviceID string) (store.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *Store) UpsertHeartbeat(_ context.Context, hb store.Heartbeat) (store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := hb.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	d, ok := s.devices[hb.DeviceID]
	if !ok {
		d = store.Device{
			ID:         uuid.NewString(),
			DeviceID:   hb.DeviceID,
			MacAddress: hb.MacAddress,
			Status:     store.DeviceActive,
			CreatedAt:  at,
		}
	}
	if hb.IPAddress != "" {
		d.IPAddress = hb.IPAddress
	}
	d.RSSI = hb.RSSI
	d.LastSeen = at
	s.devices[hb.DeviceID] = d
	return d, nil
}

func (s *Store) UpdateDeviceStatus(_ context.Context, deviceID string, status store.DeviceStatusCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	d.StatusMessage = message
	d.LastSeen = time.Now().UTC()
	s.devices[deviceID] = d
	return nil
}

func (s *Store) MarkSynced(_ context.Context, deviceID string, t store.Telemetry, at time.Time) (store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return store.Device{}, store.ErrNotFound
	}
	if t.Status != "" {
		d.Status = t.Status
	}
	if t.FirmwareVersion != "" {
		d.FirmwareVersion = t.FirmwareVersion
	}
	d.BatteryLevel = t.BatteryLevel
	d.StorageFree = t.StorageFree
	d.LastSync = at
	d.LastSeen = at
	s.devices[deviceID] = d
	return d, nil
}

func (s *Store) ListDevices(_ context.Context) ([]store.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) DeleteDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	for _, rec := range s.records {
		if rec.DeviceID == d.ID || rec.DeviceID == d.DeviceID {
			return store.ErrDeviceReferenced
		}
	}
	delete(s.devices, deviceID)
	for id, cmd := range s.commands {
		if cmd.DeviceID == deviceID {
			delete(s.commands, id)
		}
	}
	kept := s.statuses[:0]
	for _, st := range s.statuses {
		if st.DeviceID != deviceID {
			kept = append(kept, st)
		}
	}
	s.statuses = kept
	return nil
}

func (s *Store) FindByFingerprint(_ context.Context, templateID string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.FingerprintID != "" && u.FingerprintID == templateID {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (s *Store) FindByRFID(_ context.Context, uid string) (store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.RFIDUID != "" && u.RFIDUID == uid {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (s *Store) ListEnrolled(_ context.Context, courseID string) ([]store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.enrolled[courseID]
	out := make([]store.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Store) ActiveSession(_ context.Context, deviceID string, at time.Time) (store.AttendanceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.DeviceID != deviceID {
			continue
		}
		if sess.Status != store.SessionActive && sess.Status != store.SessionScheduled {
			continue
		}
		if at.Before(sess.StartTime) || at.After(sess.EndTime) {
			continue
		}
		return sess, nil
	}
	return store.AttendanceSession{}, store.ErrNotFound
}

func (s *Store) GetSession(_ context.Context, id string) (store.AttendanceSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.AttendanceSession{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *Store) InsertRecord(_ context.Context, rec store.AttendanceRecord) (store.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.SessionID + "/" + rec.StudentID
	if _, exists := s.recIndex[key]; exists {
		return store.AttendanceRecord{}, store.ErrDuplicateRecord
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.records[rec.ID] = rec
	s.recIndex[key] = rec.ID
	return rec, nil
}

func (s *Store) HasRecord(_ context.Context, sessionID, studentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recIndex[sessionID+"/"+studentID]
	return ok, nil
}

func (s *Store) ListBySession(_ context.Context, sessionID string) ([]store.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AttendanceRecord
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) CreateCommand(_ context.Context, deviceID, cmdType string, params json.RawMessage) (store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := store.Command{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Type:       cmdType,
		Parameters: params,
		Status:     store.CommandPending,
		CreatedAt:  time.Now().UTC(),
	}
	s.commands[cmd.ID] = cmd
	s.cmdSeq = append(s.cmdSeq, cmd.ID)
	return cmd, nil
}

func (s *Store) PendingCommands(_ context.Context, deviceID string) ([]store.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Command
	for _, id := range s.cmdSeq {
		cmd, ok := s.commands[id]
		if ok && cmd.DeviceID == deviceID && cmd.Status == store.CommandPending {
			out = append(out, cmd)
		}
	}
	return out, nil
}

func (s *Store) MarkSent(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		cmd, ok := s.commands[id]
		if !ok || cmd.Status != store.CommandPending {
			continue
		}
		sent := at
		cmd.Status = store.CommandSent
		cmd.SentAt = &sent
		s.commands[id] = cmd
	}
	return nil
}

func (s *Store) CompleteCommand(_ context.Context, id string, status store.CommandStatus, result json.RawMessage) (store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return store.Command{}, store.ErrNotFound
	}
	if cmd.Status.Terminal() {
		return cmd, nil
	}
	now := time.Now().UTC()
	cmd.Status = status
	cmd.Result = result
	cmd.CompletedAt = &now
	s.commands[id] = cmd
	return cmd, nil
}

func (s *Store) ListCommands(_ context.Context, deviceID string, limit int) ([]store.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Command
	for i := len(s.cmdSeq) - 1; i >= 0; i-- {
		cmd, ok := s.commands[s.cmdSeq[i]]
		if !ok || cmd.DeviceID != deviceID {
			continue
		}
		out = append(out, cmd)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendStatus(_ context.Context, entry store.StatusEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.statuses = append(s.statuses, entry)
	return nil
}

func (s *Store) StatusHistory(_ context.Context, deviceID string, limit int) ([]store.StatusEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.StatusEntry
	for i := len(s.statuses) - 1; i >= 0; i-- {
		if s.statuses[i].DeviceID != deviceID {
			continue
		}
		out = append(out, s.statuses[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, entry store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, entry)
	return nil
}

// Audits returns a copy of the audit log, oldest first.
func (s *Store) Audits() []store.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.AuditEntry, len(s.audits))
	copy(out, s.audits)
	return out
}
