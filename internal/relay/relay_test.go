package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"amsbroker/internal/registry"
	"amsbroker/internal/store"
	"amsbroker/internal/store/memory"
	"amsbroker/internal/transport"
)

type captureConn struct {
	frames  []transport.CommandFrame
	sendErr error
	closed  bool
}

func (c *captureConn) Send(v any) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, v.(transport.CommandFrame))
	return nil
}
func (c *captureConn) Ping() error        { return nil }
func (c *captureConn) Close() error       { c.closed = true; return nil }
func (c *captureConn) RemoteAddr() string { return "test" }

func newTestRelay(t *testing.T) (*Relay, *memory.Store, *registry.Registry) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	ms := memory.New()
	reg := registry.New(time.Minute, logger)
	return New(ms, reg, DefaultStaleAfter, logger), ms, reg
}

func TestDeliverPreservesCreationOrder(t *testing.T) {
	r, ms, reg := newTestRelay(t)
	ctx := context.Background()

	for _, typ := range []string{"capture_fingerprint", "delete_template", "test"} {
		if _, err := ms.CreateCommand(ctx, "D1", typ, nil); err != nil {
			t.Fatal(err)
		}
	}

	conn := &captureConn{}
	_ = reg.Register("D1", conn)

	n, err := r.Deliver(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("delivered %d, want 3", n)
	}

	want := []string{"capture_fingerprint", "delete_template", "test"}
	for i, frame := range conn.frames {
		if frame.Command != want[i] {
			t.Errorf("frame %d = %q, want %q", i, frame.Command, want[i])
		}
	}

	// Everything delivered must be marked sent.
	pending, _ := ms.PendingCommands(ctx, "D1")
	if len(pending) != 0 {
		t.Errorf("%d commands still pending after delivery", len(pending))
	}
}

func TestDeliverWithoutConnectionLeavesPending(t *testing.T) {
	r, ms, _ := newTestRelay(t)
	ctx := context.Background()

	cmd, err := r.Enqueue(ctx, "D1", "capture_fingerprint", json.RawMessage(`{"slot":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != store.CommandPending {
		t.Fatalf("enqueue status = %s, want pending", cmd.Status)
	}

	// Background delivery finds no connection; the command stays pending.
	time.Sleep(20 * time.Millisecond)
	pending, _ := ms.PendingCommands(ctx, "D1")
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
}

func TestEnqueueWhileOfflineThenConnectScenario(t *testing.T) {
	r, ms, reg := newTestRelay(t)
	ctx := context.Background()

	cmd, err := ms.CreateCommand(ctx, "D1", "capture_fingerprint", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Device connects; connect-time delivery pushes the backlog.
	conn := &captureConn{}
	_ = reg.Register("D1", conn)
	if _, err := r.Deliver(ctx, "D1"); err != nil {
		t.Fatal(err)
	}

	views, _ := r.Commands(ctx, "D1", 10)
	if len(views) != 1 || views[0].Status != store.CommandSent {
		t.Fatalf("command not in sent after delivery: %+v", views)
	}

	// Device reports completion with a result payload.
	result := json.RawMessage(`{"fingerprintId":"FP123"}`)
	done, err := r.ReportResult(ctx, cmd.ID, store.CommandCompleted, result)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != store.CommandCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if string(done.Result) != string(result) {
		t.Fatalf("result = %s, want %s", done.Result, result)
	}
}

func TestReportResultIsIdempotentForTerminalCommands(t *testing.T) {
	r, ms, _ := newTestRelay(t)
	ctx := context.Background()

	cmd, _ := ms.CreateCommand(ctx, "D1", "test", nil)
	_ = ms.MarkSent(ctx, []string{cmd.ID}, time.Now())

	first, err := r.ReportResult(ctx, cmd.ID, store.CommandCompleted, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}

	// A duplicate (or contradictory) report is a no-op.
	second, err := r.ReportResult(ctx, cmd.ID, store.CommandFailed, json.RawMessage(`{"ok":false}`))
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != first.Status {
		t.Errorf("terminal status regressed: %s -> %s", first.Status, second.Status)
	}
	if string(second.Result) != string(first.Result) {
		t.Errorf("terminal result overwritten")
	}
}

func TestPollMarksSentBeforeReturning(t *testing.T) {
	r, ms, _ := newTestRelay(t)
	ctx := context.Background()

	_, _ = ms.CreateCommand(ctx, "D1", "test", nil)
	_, _ = ms.CreateCommand(ctx, "D1", "scan", nil)

	cmds, err := r.Poll(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 {
		t.Fatalf("poll returned %d, want 2", len(cmds))
	}
	if cmds[0].Type != "test" || cmds[1].Type != "scan" {
		t.Errorf("poll order wrong: %s, %s", cmds[0].Type, cmds[1].Type)
	}

	pending, _ := ms.PendingCommands(ctx, "D1")
	if len(pending) != 0 {
		t.Errorf("%d commands still pending after poll", len(pending))
	}
}

func TestDeliverSendFailureUnregistersConnection(t *testing.T) {
	r, ms, reg := newTestRelay(t)
	ctx := context.Background()

	_, _ = ms.CreateCommand(ctx, "D1", "test", nil)
	conn := &captureConn{sendErr: errors.New("broken pipe")}
	_ = reg.Register("D1", conn)

	n, err := r.Deliver(ctx, "D1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("delivered %d over a broken connection", n)
	}
	if _, ok := reg.Lookup("D1"); ok {
		t.Error("broken connection still registered")
	}
	if !conn.closed {
		t.Error("broken connection not closed")
	}

	// The command survives for the next connect.
	pending, _ := ms.PendingCommands(ctx, "D1")
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestCommandsFlagStaleSent(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	ms := memory.New()
	reg := registry.New(time.Minute, logger)
	r := New(ms, reg, 50*time.Millisecond, logger)
	ctx := context.Background()

	cmd, _ := ms.CreateCommand(ctx, "D1", "test", nil)
	_ = ms.MarkSent(ctx, []string{cmd.ID}, time.Now().UTC().Add(-time.Second))

	views, err := r.Commands(ctx, "D1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || !views[0].Stale {
		t.Errorf("expected stale flag on aged sent command: %+v", views)
	}
}
