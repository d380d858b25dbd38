package server

import (
	"net"
	"testing"
	"time"

	"github.com/fleetlink/gv50d/pkg/track"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeSock is a net.Conn stub with a controllable remote address.
type fakeSock struct {
	addr   fakeAddr
	closed bool
}

func (f *fakeSock) Read(b []byte) (int, error)         { return 0, nil }
func (f *fakeSock) Write(b []byte) (int, error)        { return len(b), nil }
func (f *fakeSock) Close() error                       { f.closed = true; return nil }
func (f *fakeSock) LocalAddr() net.Addr                { return fakeAddr("local") }
func (f *fakeSock) RemoteAddr() net.Addr               { return f.addr }
func (f *fakeSock) SetDeadline(t time.Time) error      { return nil }
func (f *fakeSock) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeSock) SetWriteDeadline(t time.Time) error { return nil }

func addConn(t *testing.T, r *Registry, addr string) *Conn {
	t.Helper()
	c, err := r.Add(&fakeSock{addr: fakeAddr(addr)})
	if err != nil {
		t.Fatalf("Add(%s) failed: %v", addr, err)
	}
	return c
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry(0, 0)

	c1 := addConn(t, r, "203.0.113.7:40112")
	addConn(t, r, "203.0.113.8:40113")

	if got := r.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if c1.ClientIP != "203.0.113.7" {
		t.Errorf("ClientIP = %q, want 203.0.113.7", c1.ClientIP)
	}

	r.Remove(c1.ID)
	if got := r.Len(); got != 1 {
		t.Errorf("Len() after Remove = %d, want 1", got)
	}

	// Removing twice is harmless.
	r.Remove(c1.ID)
}

func TestRegistryConnectionCap(t *testing.T) {
	r := NewRegistry(1, 0)

	addConn(t, r, "203.0.113.7:40112")
	if _, err := r.Add(&fakeSock{addr: "203.0.113.8:40113"}); err == nil {
		t.Fatal("expected cap error, got nil")
	}
}

func TestRegistryBindDisplacement(t *testing.T) {
	r := NewRegistry(0, 0)

	c1 := addConn(t, r, "203.0.113.7:40112")
	if displaced := r.Bind(c1.ID, "865083030049613"); displaced != nil {
		t.Fatalf("first bind displaced %s", displaced.ID)
	}

	c2 := addConn(t, r, "203.0.113.7:41000")
	displaced := r.Bind(c2.ID, "865083030049613")
	if displaced == nil {
		t.Fatal("second bind did not displace the first session")
	}
	if displaced.ID != c1.ID {
		t.Errorf("displaced %s, want %s", displaced.ID, c1.ID)
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 after displacement", got)
	}

	// The IMEI now routes to the new session.
	if !r.TryDispatch("865083030049613", track.KindBlock, time.Now()) {
		t.Error("dispatch to rebound IMEI failed")
	}
	if c2.inFlight == nil {
		t.Error("marker landed on the wrong session")
	}
}

func TestRegistryRebindSameConn(t *testing.T) {
	r := NewRegistry(0, 0)

	c := addConn(t, r, "203.0.113.7:40112")
	r.Bind(c.ID, "865083030049613")
	if displaced := r.Bind(c.ID, "865083030049613"); displaced != nil {
		t.Errorf("rebinding same IMEI displaced %s", displaced.ID)
	}

	// A different IMEI on the same socket moves the binding.
	r.Bind(c.ID, "860599001234567")
	if r.TryDispatch("865083030049613", track.KindBlock, time.Now()) {
		t.Error("stale IMEI binding still dispatchable")
	}
	if !r.TryDispatch("860599001234567", track.KindBlock, time.Now()) {
		t.Error("new IMEI binding not dispatchable")
	}
}

func TestRegistryDispatchArbitration(t *testing.T) {
	r := NewRegistry(0, 0)
	c := addConn(t, r, "203.0.113.7:40112")
	r.Bind(c.ID, "865083030049613")

	now := time.Now()

	if !r.TryDispatch("865083030049613", track.KindBlock, now) {
		t.Fatal("first dispatch refused")
	}
	if got := r.InFlight("865083030049613"); got != track.KindBlock {
		t.Errorf("InFlight = %v, want KindBlock", got)
	}

	// Fresh marker blocks the slot.
	if r.TryDispatch("865083030049613", track.KindBlock, now.Add(30*time.Second)) {
		t.Error("dispatch allowed while marker is fresh")
	}

	// A stale marker is overwritten: the retry path.
	if !r.TryDispatch("865083030049613", track.KindMigrate, now.Add(60*time.Second)) {
		t.Error("dispatch refused for stale marker")
	}
	if got := r.InFlight("865083030049613"); got != track.KindMigrate {
		t.Errorf("InFlight = %v, want KindMigrate after overwrite", got)
	}

	// A matching ack frees the slot immediately.
	r.Release("865083030049613")
	if got := r.InFlight("865083030049613"); got != track.KindNone {
		t.Errorf("InFlight = %v, want KindNone after release", got)
	}
	if !r.TryDispatch("865083030049613", track.KindBlock, now.Add(61*time.Second)) {
		t.Error("dispatch refused after release")
	}
}

func TestRegistryDispatchUnbound(t *testing.T) {
	r := NewRegistry(0, 0)

	if r.TryDispatch("865083030049613", track.KindBlock, time.Now()) {
		t.Error("dispatch succeeded for an IMEI with no session")
	}
	if got := r.InFlight("865083030049613"); got != track.KindNone {
		t.Errorf("InFlight = %v, want KindNone", got)
	}
}

func TestRegistryExpired(t *testing.T) {
	r := NewRegistry(0, 0)

	c1 := addConn(t, r, "203.0.113.7:40112")
	c2 := addConn(t, r, "203.0.113.8:40113")

	now := time.Now()
	r.Touch(c1.ID, now.Add(-2*time.Hour))
	r.Touch(c2.ID, now)

	stale := r.Expired(time.Hour, now)
	if len(stale) != 1 {
		t.Fatalf("got %d stale sessions, want 1", len(stale))
	}
	if stale[0].ID != c1.ID {
		t.Errorf("stale session = %s, want %s", stale[0].ID, c1.ID)
	}
}

func TestConnOutboundQueue(t *testing.T) {
	c := &Conn{ID: "203.0.113.7:40112", sock: &fakeSock{}}

	for _, f := range []string{"a$", "b$", "c$", "d$", "e$"} {
		c.Enqueue(f)
	}

	got := c.Drain()
	want := []string{"b$", "c$", "d$", "e$"}
	if len(got) != len(want) {
		t.Fatalf("Drain() returned %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Drain()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if again := c.Drain(); len(again) != 0 {
		t.Errorf("second Drain() returned %d frames, want 0", len(again))
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	sock := &fakeSock{addr: "203.0.113.7:40112"}
	c := &Conn{ID: "203.0.113.7:40112", sock: sock}

	c.Close()
	c.Close()
	if !sock.closed {
		t.Error("socket not closed")
	}
}
