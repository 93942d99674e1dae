// Package fanout pushes live updates to connected web/admin observers.
package fanout

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"amsbroker/internal/metrics"
	"amsbroker/internal/queue"
)

// Observer is a live handle to one web/admin client.
type Observer interface {
	Send(v any) error
	Close() error
}

// Event is the observer-facing envelope.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Hub maintains the observer set. No capacity bound is enforced; the
// expected population is admin dashboards, not the device fleet.
type Hub struct {
	mu     sync.Mutex
	obs    map[Observer]struct{}
	logger *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{obs: make(map[Observer]struct{}), logger: logger}
}

// Subscribe adds an observer handle to the broadcast set.
func (h *Hub) Subscribe(o Observer) {
	h.mu.Lock()
	h.obs[o] = struct{}{}
	n := len(h.obs)
	h.mu.Unlock()
	metrics.Observers.Set(float64(n))
}

// Unsubscribe removes an observer; idempotent.
func (h *Hub) Unsubscribe(o Observer) {
	h.mu.Lock()
	delete(h.obs, o)
	n := len(h.obs)
	h.mu.Unlock()
	metrics.Observers.Set(float64(n))
}

// Publish writes the event to every observer. A failed write drops that
// observer without blocking delivery to the rest. The hub lock is held
// across the writes, which serializes publishes and preserves per-observer
// order; no cross-observer ordering is promised.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for o := range h.obs {
		if err := o.Send(ev); err != nil {
			h.logger.Printf("fanout: dropping observer after write error: %v", err)
			delete(h.obs, o)
			_ = o.Close()
		}
	}
	metrics.Observers.Set(float64(len(h.obs)))
	metrics.BroadcastsTotal.Inc()
}

// Count returns the current observer population.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.obs)
}

// Run pumps events from the queue into the observer set until the context
// is cancelled.
func (h *Hub) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		h.Publish(Event{Type: msg.Type, Data: msg.Body})
	}
	return nil
}
