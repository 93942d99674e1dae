package registry

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

type fakeConn struct {
	pings   int
	closed  bool
	pingErr error
}

func (c *fakeConn) Send(any) error     { return nil }
func (c *fakeConn) Ping() error        { c.pings++; return c.pingErr }
func (c *fakeConn) Close() error       { c.closed = true; return nil }
func (c *fakeConn) RemoteAddr() string { return "test" }

func newTestRegistry() *Registry {
	return New(time.Minute, log.New(io.Discard, "", 0))
}

func TestRegisterRequiresDeviceID(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register("", &fakeConn{}); !errors.Is(err, ErrEmptyDeviceID) {
		t.Fatalf("expected ErrEmptyDeviceID, got %v", err)
	}
}

func TestRegisterReplacesAndClosesOldHandle(t *testing.T) {
	r := newTestRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	if err := r.Register("D1", first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("D1", second); err != nil {
		t.Fatal(err)
	}

	if !first.closed {
		t.Error("replaced handle was not closed")
	}
	got, ok := r.Lookup("D1")
	if !ok || got != second {
		t.Error("lookup did not return the replacement handle")
	}
}

func TestUnregisterIsIdempotentAndIgnoresStaleHandle(t *testing.T) {
	r := newTestRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	_ = r.Register("D1", first)
	_ = r.Register("D1", second)

	// Disconnect of the replaced handle must not evict the new one.
	r.Unregister("D1", first)
	if _, ok := r.Lookup("D1"); !ok {
		t.Fatal("stale unregister removed the live handle")
	}

	r.Unregister("D1", second)
	r.Unregister("D1", second)
	if _, ok := r.Lookup("D1"); ok {
		t.Fatal("handle still registered after unregister")
	}
}

func TestTwoStrikeSweep(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{}
	_ = r.Register("D1", c)

	// First sweep: no pong since register is fine (alive was true),
	// connection is probed and stays registered.
	r.sweep()
	if _, ok := r.Lookup("D1"); !ok {
		t.Fatal("connection dropped after a single missed pong")
	}
	if c.pings != 1 {
		t.Fatalf("expected 1 probe, got %d", c.pings)
	}

	// Second sweep with still no pong: two consecutive misses, dropped.
	r.sweep()
	if _, ok := r.Lookup("D1"); ok {
		t.Fatal("connection survived two missed probes")
	}
	if !c.closed {
		t.Error("dropped connection was not closed")
	}
}

func TestPongResetsStrikeCount(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{}
	_ = r.Register("D1", c)

	r.sweep()
	r.Pong("D1")
	r.sweep()

	if _, ok := r.Lookup("D1"); !ok {
		t.Fatal("connection dropped despite pong between sweeps")
	}
}
