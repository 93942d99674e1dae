package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"amsbroker/internal/store"
)

// Store implements store.Store on Postgres.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const deviceColumns = `id, device_id, mac_address, ip_address, location,
	has_fingerprint, has_rfid, has_camera, status, status_message,
	firmware_version, battery_level, storage_free, rssi,
	last_seen, last_sync, created_at`

func scanDevice(row interface{ Scan(...any) error }) (store.Device, error) {
	var d store.Device
	var lastSeen, lastSync sql.NullTime
	err := row.Scan(&d.ID, &d.DeviceID, &d.MacAddress, &d.IPAddress, &d.Location,
		&d.HasFingerprint, &d.HasRFID, &d.HasCamera, &d.Status, &d.StatusMessage,
		&d.FirmwareVersion, &d.BatteryLevel, &d.StorageFree, &d.RSSI,
		&lastSeen, &lastSync, &d.CreatedAt)
	if err != nil {
		return store.Device{}, err
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	if lastSync.Valid {
		d.LastSync = lastSync.Time
	}
	return d, nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (store.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Device{}, store.ErrNotFound
	}
	return d, err
}

func (s *Store) UpsertHeartbeat(ctx context.Context, hb store.Heartbeat) (store.Device, error) {
	at := hb.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO devices (id, device_id, mac_address, ip_address, rssi, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id) DO UPDATE SET
			ip_address = CASE WHEN EXCLUDED.ip_address <> '' THEN EXCLUDED.ip_address ELSE devices.ip_address END,
			rssi = EXCLUDED.rssi,
			last_seen = EXCLUDED.last_seen
		RETURNING `+deviceColumns,
		uuid.NewString(), hb.DeviceID, hb.MacAddress, hb.IPAddress, hb.RSSI, at)
	return scanDevice(row)
}

func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID string, status store.DeviceStatusCode, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = $2, status_message = $3, last_seen = NOW()
		WHERE device_id = $1
	`, deviceID, status, message)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkSynced(ctx context.Context, deviceID string, t store.Telemetry, at time.Time) (store.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE devices SET
			status = CASE WHEN $2 <> '' THEN $2 ELSE status END,
			battery_level = $3,
			storage_free = $4,
			firmware_version = CASE WHEN $5 <> '' THEN $5 ELSE firmware_version END,
			last_sync = $6,
			last_seen = $6
		WHERE device_id = $1
		RETURNING `+deviceColumns,
		deviceID, string(t.Status), t.BatteryLevel, t.StorageFree, t.FirmwareVersion, at)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Device{}, store.ErrNotFound
	}
	return d, err
}

func (s *Store) ListDevices(ctx context.Context) ([]store.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var referenced int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_records WHERE device_id = $1`, deviceID).Scan(&referenced)
	if err != nil {
		return err
	}
	if referenced > 0 {
		return store.ErrDeviceReferenced
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_commands WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_status_log WHERE device_id = $1`, deviceID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) FindByFingerprint(ctx context.Context, templateID string) (store.User, error) {
	return s.findUser(ctx, `fingerprint_id`, templateID)
}

func (s *Store) FindByRFID(ctx context.Context, uid string) (store.User, error) {
	return s.findUser(ctx, `rfid_uid`, uid)
}

func (s *Store) findUser(ctx context.Context, column, value string) (store.User, error) {
	var u store.User
	var fp, rfid sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, matric_number, fingerprint_id, rfid_uid
		FROM users WHERE `+column+` = $1
		LIMIT 1
	`, value).Scan(&u.ID, &u.Name, &u.MatricNumber, &fp, &rfid)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	u.FingerprintID = fp.String
	u.RFIDUID = rfid.String
	return u, nil
}

func (s *Store) ListEnrolled(ctx context.Context, courseID string) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.matric_number, u.fingerprint_id, u.rfid_uid
		FROM users u
		JOIN enrollments e ON e.student_id = u.id
		WHERE e.course_id = $1
		ORDER BY u.matric_number
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.User
	for rows.Next() {
		var u store.User
		var fp, rfid sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &u.MatricNumber, &fp, &rfid); err != nil {
			return nil, err
		}
		u.FingerprintID = fp.String
		u.RFIDUID = rfid.String
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) ActiveSession(ctx context.Context, deviceID string, at time.Time) (store.AttendanceSession, error) {
	var sess store.AttendanceSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, course_id, course_code, course_title, device_id, start_time, end_time, status
		FROM attendance_sessions
		WHERE device_id = $1
		  AND status IN ('ACTIVE', 'SCHEDULED')
		  AND start_time <= $2 AND end_time >= $2
		ORDER BY start_time DESC
		LIMIT 1
	`, deviceID, at).Scan(&sess.ID, &sess.CourseID, &sess.CourseCode, &sess.CourseTitle,
		&sess.DeviceID, &sess.StartTime, &sess.EndTime, &sess.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AttendanceSession{}, store.ErrNotFound
	}
	return sess, err
}

func (s *Store) GetSession(ctx context.Context, id string) (store.AttendanceSession, error) {
	var sess store.AttendanceSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, course_id, course_code, course_title, device_id, start_time, end_time, status
		FROM attendance_sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.CourseID, &sess.CourseCode, &sess.CourseTitle,
		&sess.DeviceID, &sess.StartTime, &sess.EndTime, &sess.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AttendanceSession{}, store.ErrNotFound
	}
	return sess, err
}

func (s *Store) InsertRecord(ctx context.Context, rec store.AttendanceRecord) (store.AttendanceRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	// The unique index on (session_id, student_id) is the dedupe guard; a
	// conflicting insert returns no row.
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, device_id, student_id, verification_method, status, recorded_at, offline, synced_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id, student_id) DO NOTHING
		RETURNING id
	`, rec.ID, rec.SessionID, rec.DeviceID, rec.StudentID, rec.Method, rec.Status,
		rec.Timestamp, rec.Offline, rec.SyncedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AttendanceRecord{}, store.ErrDuplicateRecord
	}
	if err != nil {
		return store.AttendanceRecord{}, err
	}
	return rec, nil
}

func (s *Store) HasRecord(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]store.AttendanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, device_id, student_id, verification_method, status, recorded_at, offline, synced_at
		FROM attendance_records WHERE session_id = $1
		ORDER BY recorded_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.AttendanceRecord
	for rows.Next() {
		var rec store.AttendanceRecord
		var synced sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.DeviceID, &rec.StudentID,
			&rec.Method, &rec.Status, &rec.Timestamp, &rec.Offline, &synced); err != nil {
			return nil, err
		}
		if synced.Valid {
			t := synced.Time
			rec.SyncedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendStatus(ctx context.Context, entry store.StatusEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_status_log (id, device_id, status, message, recorded_at)
		VALUES ($1,$2,$3,$4,$5)
	`, entry.ID, entry.DeviceID, entry.Status, entry.Message, entry.Timestamp)
	return err
}

func (s *Store) StatusHistory(ctx context.Context, deviceID string, limit int) ([]store.StatusEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, status, message, recorded_at
		FROM device_status_log WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.StatusEntry
	for rows.Next() {
		var e store.StatusEntry
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Status, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, entity, entity_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.Action, entry.Entity, entry.EntityID, entry.Details, entry.CreatedAt)
	return err
}
