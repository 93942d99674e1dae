// Package postgres implements the durable store on Postgres via the pgx
// stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open creates a Postgres connection pool with sane defaults.
func Open(connString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return db, db.PingContext(context.Background())
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY,
		device_id TEXT NOT NULL UNIQUE,
		mac_address TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		has_fingerprint BOOLEAN NOT NULL DEFAULT FALSE,
		has_rfid BOOLEAN NOT NULL DEFAULT FALSE,
		has_camera BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		status_message TEXT NOT NULL DEFAULT '',
		firmware_version TEXT NOT NULL DEFAULT '',
		battery_level INT NOT NULL DEFAULT 0,
		storage_free BIGINT NOT NULL DEFAULT 0,
		rssi INT NOT NULL DEFAULT 0,
		last_seen TIMESTAMPTZ,
		last_sync TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id UUID PRIMARY KEY,
		course_id TEXT NOT NULL,
		course_code TEXT NOT NULL DEFAULT '',
		course_title TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'SCHEDULED'
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		device_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		verification_method TEXT NOT NULL,
		status TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		offline BOOLEAN NOT NULL DEFAULT FALSE,
		synced_at TIMESTAMPTZ,
		UNIQUE (session_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS device_commands (
		id UUID PRIMARY KEY,
		device_id TEXT NOT NULL,
		type TEXT NOT NULL,
		parameters JSONB,
		status TEXT NOT NULL DEFAULT 'pending',
		result JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sent_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_commands_pending
		ON device_commands (device_id, created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS device_status_log (
		id UUID PRIMARY KEY,
		device_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		action TEXT NOT NULL,
		entity TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema applies the broker-owned tables. The users and enrollments
// tables belong to the admin application and are assumed to exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
