package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"amsbroker/internal/store"
)

func (s *Store) CreateCommand(ctx context.Context, deviceID, cmdType string, params json.RawMessage) (store.Command, error) {
	cmd := store.Command{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		Type:       cmdType,
		Parameters: params,
		Status:     store.CommandPending,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO device_commands (id, device_id, type, parameters, status)
		VALUES ($1,$2,$3,$4,'pending')
		RETURNING created_at
	`, cmd.ID, cmd.DeviceID, cmd.Type, nullJSON(cmd.Parameters)).Scan(&cmd.CreatedAt)
	if err != nil {
		return store.Command{}, err
	}
	return cmd, nil
}

func (s *Store) PendingCommands(ctx context.Context, deviceID string) ([]store.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, type, parameters, status, result, created_at, sent_at, completed_at
		FROM device_commands
		WHERE device_id = $1 AND status = 'pending'
		ORDER BY created_at
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

func (s *Store) MarkSent(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_commands SET status = 'sent', sent_at = $2
		WHERE id = ANY($1) AND status = 'pending'
	`, ids, at)
	return err
}

func (s *Store) CompleteCommand(ctx context.Context, id string, status store.CommandStatus, result json.RawMessage) (store.Command, error) {
	// Terminal commands are left untouched so that duplicate or
	// out-of-order result reports read back as no-ops.
	_, err := s.db.ExecContext(ctx, `
		UPDATE device_commands SET status = $2, result = $3, completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'sent')
	`, id, status, nullJSON(result))
	if err != nil {
		return store.Command{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, type, parameters, status, result, created_at, sent_at, completed_at
		FROM device_commands WHERE id = $1
	`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Command{}, store.ErrNotFound
	}
	return cmd, err
}

func (s *Store) ListCommands(ctx context.Context, deviceID string, limit int) ([]store.Command, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, type, parameters, status, result, created_at, sent_at, completed_at
		FROM device_commands
		WHERE device_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommands(rows)
}

func scanCommand(row interface{ Scan(...any) error }) (store.Command, error) {
	var cmd store.Command
	var params, result []byte
	var sentAt, completedAt sql.NullTime
	err := row.Scan(&cmd.ID, &cmd.DeviceID, &cmd.Type, &params, &cmd.Status,
		&result, &cmd.CreatedAt, &sentAt, &completedAt)
	if err != nil {
		return store.Command{}, err
	}
	cmd.Parameters = params
	cmd.Result = result
	if sentAt.Valid {
		t := sentAt.Time
		cmd.SentAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		cmd.CompletedAt = &t
	}
	return cmd, nil
}

func scanCommands(rows *sql.Rows) ([]store.Command, error) {
	var out []store.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
