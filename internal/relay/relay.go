// Package relay delivers commands to devices now or later and tracks their
// lifecycle. Every command is persisted pending before any delivery attempt,
// so a disconnect racing an enqueue can never lose work.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"amsbroker/internal/metrics"
	"amsbroker/internal/registry"
	"amsbroker/internal/store"
	"amsbroker/internal/transport"
)

// DefaultStaleAfter is how long a command may sit in "sent" without a
// result report before admin listings flag it. Advisory only; the relay
// never retries on its own.
const DefaultStaleAfter = 60 * time.Second

type Relay struct {
	commands   store.CommandStore
	reg        *registry.Registry
	logger     *log.Logger
	staleAfter time.Duration
}

func New(commands store.CommandStore, reg *registry.Registry, staleAfter time.Duration, logger *log.Logger) *Relay {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Relay{commands: commands, reg: reg, logger: logger, staleAfter: staleAfter}
}

// Enqueue persists a pending command and returns it immediately. Delivery
// is attempted in the background; the caller observes the outcome later
// through command status.
func (r *Relay) Enqueue(ctx context.Context, deviceID, cmdType string, params json.RawMessage) (store.Command, error) {
	cmd, err := r.commands.CreateCommand(ctx, deviceID, cmdType, params)
	if err != nil {
		return store.Command{}, err
	}
	metrics.CommandsEnqueued.Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := r.Deliver(ctx, deviceID); err != nil {
			r.logger.Printf("relay: background delivery for %s: %v", deviceID, err)
		}
	}()
	return cmd, nil
}

// Deliver pushes all pending commands for the device over its live
// connection in creation order, marking each sent as it is transmitted.
// At-least-once: a crash between the wire write and the mark may repeat a
// delivery on reconnect, so devices treat commands idempotently. A device
// with no live connection is not an error; the commands simply stay pending.
func (r *Relay) Deliver(ctx context.Context, deviceID string) (int, error) {
	conn, ok := r.reg.Lookup(deviceID)
	if !ok {
		return 0, nil
	}
	pending, err := r.commands.PendingCommands(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, cmd := range pending {
		frame := transport.CommandFrame{
			Type:       transport.TypeCommand,
			CommandID:  cmd.ID,
			DeviceID:   cmd.DeviceID,
			Command:    cmd.Type,
			Parameters: cmd.Parameters,
		}
		if err := conn.Send(frame); err != nil {
			r.logger.Printf("relay: send to %s failed after %d command(s): %v", deviceID, delivered, err)
			r.reg.Unregister(deviceID, conn)
			_ = conn.Close()
			return delivered, nil
		}
		if err := r.commands.MarkSent(ctx, []string{cmd.ID}, time.Now().UTC()); err != nil {
			return delivered, err
		}
		delivered++
		metrics.CommandsDelivered.Inc()
	}
	return delivered, nil
}

// Poll is the pull variant for the fallback transport: it returns the
// device's pending commands in creation order, marked sent before the
// response is flushed.
func (r *Relay) Poll(ctx context.Context, deviceID string) ([]store.Command, error) {
	pending, err := r.commands.PendingCommands(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, len(pending))
	for i, cmd := range pending {
		ids[i] = cmd.ID
	}
	if err := r.commands.MarkSent(ctx, ids, time.Now().UTC()); err != nil {
		return nil, err
	}
	metrics.CommandsDelivered.Add(float64(len(pending)))
	return pending, nil
}

// ReportResult applies a device's completion report. Reports for a command
// already in a terminal status are accepted as no-ops.
func (r *Relay) ReportResult(ctx context.Context, commandID string, status store.CommandStatus, result json.RawMessage) (store.Command, error) {
	if status != store.CommandCompleted && status != store.CommandFailed {
		status = store.CommandFailed
	}
	return r.commands.CompleteCommand(ctx, commandID, status, result)
}

// CommandView is a command with its advisory staleness derived at read time.
type CommandView struct {
	store.Command
	Stale bool `json:"stale"`
}

// Commands lists recent commands for a device for the admin surface,
// flagging those sent longer than the staleness window ago with no result.
func (r *Relay) Commands(ctx context.Context, deviceID string, limit int) ([]CommandView, error) {
	cmds, err := r.commands.ListCommands(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]CommandView, len(cmds))
	for i, cmd := range cmds {
		view := CommandView{Command: cmd}
		if cmd.Status == store.CommandSent && cmd.SentAt != nil && now.Sub(*cmd.SentAt) > r.staleAfter {
			view.Stale = true
		}
		out[i] = view
	}
	return out, nil
}
