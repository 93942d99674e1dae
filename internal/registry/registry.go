// Package registry maps device identifiers to live transport handles and
// tracks their liveness. It is the broker's only record of "reachable right
// now"; the Device entity in the store remains the record of "real".
package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"amsbroker/internal/metrics"
)

// Conn is a live transport handle. Implementations must be safe for
// concurrent Send calls.
type Conn interface {
	Send(v any) error
	Ping() error
	Close() error
	RemoteAddr() string
}

var ErrEmptyDeviceID = errors.New("registry: empty device id")

type entry struct {
	conn     Conn
	alive    bool
	lastPong time.Time
}

// Registry is safe for concurrent use from many connection handlers.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry

	interval time.Duration
	logger   *log.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a registry whose sweep runs on the given interval.
// Call Start to begin the sweep loop.
func New(interval time.Duration, logger *log.Logger) *Registry {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Registry{
		conns:    make(map[string]*entry),
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Register installs a handle for the device, replacing any prior one
// (last connection wins). The replaced handle is closed so its reader
// loop observes the eviction instead of being silently orphaned.
func (r *Registry) Register(deviceID string, c Conn) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}
	r.mu.Lock()
	old := r.conns[deviceID]
	r.conns[deviceID] = &entry{conn: c, alive: true, lastPong: time.Now()}
	n := len(r.conns)
	r.mu.Unlock()

	if old != nil {
		r.logger.Printf("registry: replacing live connection for %s", deviceID)
		_ = old.conn.Close()
	}
	metrics.ConnectedDevices.Set(float64(n))
	return nil
}

// Lookup returns the live handle for the device, if any.
func (r *Registry) Lookup(deviceID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[deviceID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Pong marks the device's connection alive for the current sweep window.
func (r *Registry) Pong(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[deviceID]; ok {
		e.alive = true
		e.lastPong = time.Now()
	}
}

// Unregister removes the device's handle. It is idempotent, and a stale
// handle (already replaced by a newer connection) is left alone.
func (r *Registry) Unregister(deviceID string, c Conn) {
	r.mu.Lock()
	e, ok := r.conns[deviceID]
	if ok && (c == nil || e.conn == c) {
		delete(r.conns, deviceID)
	}
	n := len(r.conns)
	r.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(n))
}

// Connected returns the identifiers of all registered devices.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

// Start begins the background sweep loop.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
	r.logger.Printf("registry: heartbeat sweep started (interval=%s)", r.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep implements the two-strike policy: a connection with no pong since
// the previous sweep gets a probe; one that also failed the previous probe
// is closed and removed. The probe runs outside the lock.
func (r *Registry) sweep() {
	type probe struct {
		deviceID string
		conn     Conn
		drop     bool
	}

	r.mu.Lock()
	probes := make([]probe, 0, len(r.conns))
	for id, e := range r.conns {
		if !e.alive {
			probes = append(probes, probe{deviceID: id, conn: e.conn, drop: true})
			delete(r.conns, id)
			continue
		}
		e.alive = false
		probes = append(probes, probe{deviceID: id, conn: e.conn})
	}
	n := len(r.conns)
	r.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(n))

	for _, p := range probes {
		if p.drop {
			r.logger.Printf("registry: closing unresponsive connection %s", p.deviceID)
			_ = p.conn.Close()
			continue
		}
		if err := p.conn.Ping(); err != nil {
			// The write failed outright; the next sweep removes it
			// unless a pong arrives in the meantime.
			r.logger.Printf("registry: ping failed for %s: %v", p.deviceID, err)
		}
	}
}
