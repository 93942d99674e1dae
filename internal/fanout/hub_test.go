package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"amsbroker/internal/queue"
)

type fakeObserver struct {
	mu      sync.Mutex
	events  []Event
	sendErr error
	closed  bool
}

func (o *fakeObserver) Send(v any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sendErr != nil {
		return o.sendErr
	}
	o.events = append(o.events, v.(Event))
	return nil
}

func (o *fakeObserver) Close() error { o.closed = true; return nil }

func (o *fakeObserver) snapshot() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

func newTestHub() *Hub {
	return NewHub(log.New(io.Discard, "", 0))
}

func TestPublishReachesAllObservers(t *testing.T) {
	h := newTestHub()
	a, b := &fakeObserver{}, &fakeObserver{}
	h.Subscribe(a)
	h.Subscribe(b)

	h.Publish(Event{Type: "attendance_update"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("delivery counts: a=%d b=%d", len(a.events), len(b.events))
	}
}

func TestFailedObserverIsDroppedWithoutBlockingOthers(t *testing.T) {
	h := newTestHub()
	bad := &fakeObserver{sendErr: errors.New("broken pipe")}
	good := &fakeObserver{}
	h.Subscribe(bad)
	h.Subscribe(good)

	h.Publish(Event{Type: "device_status_update"})

	if len(good.events) != 1 {
		t.Fatal("healthy observer missed the event")
	}
	if !bad.closed {
		t.Error("failed observer not closed")
	}
	if h.Count() != 1 {
		t.Errorf("observer count = %d, want 1", h.Count())
	}

	// Later publishes no longer touch the dropped observer.
	h.Publish(Event{Type: "device_status_update"})
	if len(good.events) != 2 {
		t.Error("second publish lost")
	}
}

func TestPerObserverOrderPreserved(t *testing.T) {
	h := newTestHub()
	o := &fakeObserver{}
	h.Subscribe(o)

	for i := 0; i < 5; i++ {
		data, _ := json.Marshal(i)
		h.Publish(Event{Type: "attendance_update", Data: data})
	}

	for i, ev := range o.events {
		var got int
		_ = json.Unmarshal(ev.Data, &got)
		if got != i {
			t.Fatalf("event %d carries payload %d", i, got)
		}
	}
}

func TestRunPumpsQueueIntoObservers(t *testing.T) {
	h := newTestHub()
	o := &fakeObserver{}
	h.Subscribe(o)

	q := queue.NewInMemory(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx, q) }()

	if err := q.Publish(ctx, queue.Message{Type: "attendance_update", Body: json.RawMessage(`{"recordId":"r1"}`)}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		if evs := o.snapshot(); len(evs) == 1 {
			if evs[0].Type != "attendance_update" {
				t.Fatalf("event type = %s", evs[0].Type)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("queued event never reached observer")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
