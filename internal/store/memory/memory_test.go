package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"amsbroker/internal/store"
)

func TestInsertRecordDeduplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec := store.AttendanceRecord{
		SessionID: "S1",
		StudentID: "U1",
		DeviceID:  "D1",
		Method:    store.MethodFingerprint,
		Status:    store.StatusPresent,
		Timestamp: time.Now().UTC(),
	}

	first, err := s.InsertRecord(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == "" {
		t.Fatal("inserted record has no id")
	}

	_, err = s.InsertRecord(ctx, rec)
	if !errors.Is(err, store.ErrDuplicateRecord) {
		t.Fatalf("second insert err = %v, want ErrDuplicateRecord", err)
	}
}

func TestDeleteDeviceGuardsReferences(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SeedDevice(store.Device{DeviceID: "D1"})

	if _, err := s.InsertRecord(ctx, store.AttendanceRecord{
		SessionID: "S1", StudentID: "U1", DeviceID: "D1",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(ctx, "D1"); !errors.Is(err, store.ErrDeviceReferenced) {
		t.Fatalf("delete err = %v, want ErrDeviceReferenced", err)
	}

	s.SeedDevice(store.Device{DeviceID: "D2"})
	if err := s.DeleteDevice(ctx, "D2"); err != nil {
		t.Fatalf("delete unreferenced device: %v", err)
	}
	if _, err := s.GetDevice(ctx, "D2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("device still present after delete: %v", err)
	}
}

func TestCommandsKeepCreationOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, _ := s.CreateCommand(ctx, "D1", "SYNC_TIME", nil)
	second, _ := s.CreateCommand(ctx, "D1", "RESTART", nil)

	pending, err := s.PendingCommands(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("pending order = %v", pending)
	}

	if err := s.MarkSent(ctx, []string{first.ID}, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	pending, _ = s.PendingCommands(ctx, "D1")
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("pending after MarkSent = %v", pending)
	}
}

func TestCompleteCommandIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	cmd, _ := s.CreateCommand(ctx, "D1", "ENROLL_FINGERPRINT", nil)
	done, err := s.CompleteCommand(ctx, cmd.ID, store.CommandCompleted, []byte(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != store.CommandCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}

	// Late duplicate report must not overwrite the terminal state.
	again, err := s.CompleteCommand(ctx, cmd.ID, store.CommandFailed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != store.CommandCompleted {
		t.Fatalf("status after duplicate report = %s, want completed", again.Status)
	}
}
