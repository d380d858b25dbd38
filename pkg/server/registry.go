// Package server owns the TCP listener, the per-connection read loops
// and the fleet registry that maps live connections to device IMEIs.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fleetlink/gv50d/pkg/track"
	"github.com/fleetlink/gv50d/pkg/util"
)

const (
	// commandRetryAfter is how long an unanswered command blocks the
	// dispatch slot. Once the marker is this old the next inbound frame
	// re-sends the command.
	commandRetryAfter = 60 * time.Second

	// maxOutboundQueue bounds frames queued for a connection's reply
	// slot. Overflow drops the oldest; persisted pending state
	// re-surfaces a dropped command on a later frame.
	maxOutboundQueue = 4

	// writeTimeout caps a single outbound socket write.
	writeTimeout = 10 * time.Second
)

// marker records one in-flight command awaiting its device ack.
type marker struct {
	kind   track.CommandKind
	sentAt time.Time
}

// Conn is the registry's record of one live TCP session. Identity fields
// and the marker are guarded by the registry lock; the socket and the
// outbound queue are touched only by the connection's own goroutine.
type Conn struct {
	ID       string // remote address, unique per session
	ClientIP string
	IMEI     string // empty until the first parsed frame binds it

	sock         net.Conn
	lastActivity time.Time
	inFlight     *marker
	outQ         []string
	closeOnce    sync.Once
}

// Close shuts the socket down. Safe to call from any goroutine and more
// than once; the read loop unblocks with an error and cleans up.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.sock.Close()
	})
}

// Write sends one frame, bounded by the write timeout.
func (c *Conn) Write(frame string) error {
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.sock.Write([]byte(frame)); err != nil {
		return fmt.Errorf("server: writing to %s: %w", c.ID, err)
	}
	return nil
}

// Enqueue appends a frame for the current reply slot, dropping the
// oldest entry when the queue is full.
func (c *Conn) Enqueue(frame string) {
	if len(c.outQ) >= maxOutboundQueue {
		util.WithConn(c.ID).Warn("outbound queue full, dropping oldest frame")
		c.outQ = c.outQ[1:]
	}
	c.outQ = append(c.outQ, frame)
}

// Drain returns and clears the queued outbound frames.
func (c *Conn) Drain() []string {
	out := c.outQ
	c.outQ = nil
	return out
}

// Registry is the only cross-connection mutable state in the server. It
// tracks every live session, enforces the single-connection-per-IMEI
// invariant and arbitrates command dispatch.
type Registry struct {
	mu         sync.Mutex
	conns      map[string]*Conn
	byIMEI     map[string]*Conn
	max        int
	retryAfter time.Duration
}

// NewRegistry builds a registry capped at maxConns sessions. retryAfter
// is the command retry window; zero selects the default.
func NewRegistry(maxConns int, retryAfter time.Duration) *Registry {
	if retryAfter <= 0 {
		retryAfter = commandRetryAfter
	}
	return &Registry{
		conns:      make(map[string]*Conn),
		byIMEI:     make(map[string]*Conn),
		max:        maxConns,
		retryAfter: retryAfter,
	}
}

// Add registers a freshly accepted socket. It fails when the server is
// at its connection cap.
func (r *Registry) Add(sock net.Conn) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.conns) >= r.max {
		return nil, fmt.Errorf("server: connection cap %d reached", r.max)
	}

	host, _, err := net.SplitHostPort(sock.RemoteAddr().String())
	if err != nil {
		host = sock.RemoteAddr().String()
	}

	c := &Conn{
		ID:           sock.RemoteAddr().String(),
		ClientIP:     host,
		sock:         sock,
		lastActivity: time.Now(),
	}
	r.conns[c.ID] = c
	return c, nil
}

// Remove deregisters a session. The caller closes the socket.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return
	}
	delete(r.conns, id)
	if c.IMEI != "" && r.byIMEI[c.IMEI] == c {
		delete(r.byIMEI, c.IMEI)
	}
}

// Bind associates a connection with an IMEI. When another live session
// already claims the IMEI it is returned for the caller to close: the
// device has reconnected and the old socket is dead weight.
func (r *Registry) Bind(id, imei string) (displaced *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil
	}

	if prev := r.byIMEI[imei]; prev != nil && prev != c {
		displaced = prev
		delete(r.conns, prev.ID)
	}

	if c.IMEI != "" && c.IMEI != imei && r.byIMEI[c.IMEI] == c {
		delete(r.byIMEI, c.IMEI)
	}
	c.IMEI = imei
	r.byIMEI[imei] = c
	return displaced
}

// Touch records read activity for the sweeper.
func (r *Registry) Touch(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[id]; ok {
		c.lastActivity = now
	}
}

// TryDispatch claims the command slot for an IMEI. It refuses while a
// marker younger than the retry window exists; a stale marker is
// overwritten, which is the retry path for lost acks.
func (r *Registry) TryDispatch(imei string, kind track.CommandKind, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.byIMEI[imei]
	if c == nil {
		return false
	}
	if c.inFlight != nil && now.Sub(c.inFlight.sentAt) < r.retryAfter {
		return false
	}
	c.inFlight = &marker{kind: kind, sentAt: now}
	return true
}

// Release clears the in-flight marker for an IMEI, normally because the
// matching ack arrived.
func (r *Registry) Release(imei string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.byIMEI[imei]; c != nil {
		c.inFlight = nil
	}
}

// InFlight reports the pending command kind for an IMEI, KindNone when
// the slot is free.
func (r *Registry) InFlight(imei string) track.CommandKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.byIMEI[imei]
	if c == nil || c.inFlight == nil {
		return track.KindNone
	}
	return c.inFlight.kind
}

// Expired snapshots the sessions idle longer than timeout. The caller
// closes them outside the lock.
func (r *Registry) Expired(timeout time.Duration, now time.Time) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Conn
	for _, c := range r.conns {
		if now.Sub(c.lastActivity) > timeout {
			stale = append(stale, c)
		}
	}
	return stale
}

// All snapshots every live session.
func (r *Registry) All() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the live session count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
