// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package registry tracks live connections accepted by the engine: it
// hands out monotonic IDs, tallies per-direction byte counters, and
// emits lifecycle events so operators can observe and terminate flows.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stats mirrors spec §3's Connection counters: bytes written to /
// read from the client-side and target-side sockets. Application-layer
// only; TLS framing is never counted.
type Stats struct {
	SrcTxBytes uint64
	SrcRxBytes uint64
	TrgTxBytes uint64
	TrgRxBytes uint64
}

// State is the connection's position in C7's state machine (§4.7).
type State int

const (
	StateAccepted State = iota
	StateReadingRequest
	StateForwarding
	StateTunneling
	StateKeepAliveIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReadingRequest:
		return "reading_request"
	case StateForwarding:
		return "forwarding"
	case StateTunneling:
		return "tunneling"
	case StateKeepAliveIdle:
		return "keep_alive_idle"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the registry's view of one accepted socket. Its
// counters and state are only mutated through its own methods (AddSrcTx
// and friends, SetState); callers get a read-only snapshot via
// Registry.GetStats.
type Connection struct {
	ID         uint64
	RemoteAddr string

	mu    sync.Mutex
	stats Stats
	state State
}

// snapshot returns a copy of the connection's current stats.
func (c *Connection) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SetState transitions the connection to the given state.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddSrcTx adds n to the connection's client-side write counter.
func (c *Connection) AddSrcTx(n uint64) { c.add(&c.stats.SrcTxBytes, n) }

// AddSrcRx adds n to the connection's client-side read counter.
func (c *Connection) AddSrcRx(n uint64) { c.add(&c.stats.SrcRxBytes, n) }

// AddTrgTx adds n to the connection's target-side write counter.
func (c *Connection) AddTrgTx(n uint64) { c.add(&c.stats.TrgTxBytes, n) }

// AddTrgRx adds n to the connection's target-side read counter.
func (c *Connection) AddTrgRx(n uint64) { c.add(&c.stats.TrgRxBytes, n) }

func (c *Connection) add(field *uint64, n uint64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// Event is the payload passed to an Observer callback.
type Event struct {
	Kind  string // "connection", "connectionClosed", "requestFailed", "tlsError"
	ID    uint64 // zero for tlsError, which is pre-registration
	Stats Stats  // only meaningful for connectionClosed
	Err   error  // only meaningful for requestFailed / tlsError
}

// Observer receives lifecycle events. Implementations must not block;
// the registry calls observers synchronously on the goroutine that
// triggered the event (Register, Unregister, ReportFailure,
// ReportTLSError).
type Observer func(Event)

// Registry assigns connection IDs and tracks live connections. The
// zero value is not usable; construct with New.
type Registry struct {
	nextID atomic.Uint64

	mu          sync.RWMutex
	connections map[uint64]*Connection

	observersMu sync.RWMutex
	observers   []Observer

	logger zerolog.Logger
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		connections: make(map[uint64]*Connection),
		logger:      log.With().Str("component", "registry").Logger(),
	}
}

// Register assigns a new monotonic ID, inserts the Connection, and
// emits a "connection" event. remoteAddr is cosmetic (logging only).
func (r *Registry) Register(remoteAddr string) *Connection {
	id := r.nextID.Add(1)
	conn := &Connection{ID: id, RemoteAddr: remoteAddr, state: StateAccepted}

	r.mu.Lock()
	r.connections[id] = conn
	r.mu.Unlock()

	r.logger.Debug().Uint64("conn_id", id).Str("remote_addr", remoteAddr).Msg("connection registered")
	r.emit(Event{Kind: "connection", ID: id})
	return conn
}

// Unregister removes the connection and emits exactly one
// connectionClosed event carrying its final stats. Calling Unregister
// more than once for the same ID is a no-op after the first call,
// preserving the "exactly one connectionClosed" invariant (spec §3,
// §8).
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if ok {
		delete(r.connections, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	conn.SetState(StateClosed)
	stats := conn.snapshot()
	r.logger.Debug().Uint64("conn_id", id).Msg("connection closed")
	r.emit(Event{Kind: "connectionClosed", ID: id, Stats: stats})
}

// ReportFailure emits a requestFailed event without tearing down the
// connection; the caller decides separately whether to close it.
func (r *Registry) ReportFailure(id uint64, err error) {
	r.logger.Warn().Uint64("conn_id", id).Err(err).Msg("request failed")
	r.emit(Event{Kind: "requestFailed", ID: id, Err: err})
}

// ReportTLSError emits a tlsError event. It never touches the
// connection map: TLS handshake failures happen before registration
// (spec §4.7) and so must never produce a connectionClosed event.
func (r *Registry) ReportTLSError(err error) {
	r.logger.Warn().Err(err).Msg("tls handshake failed")
	r.emit(Event{Kind: "tlsError", Err: err})
}

// Get returns the connection for id, or nil if it is not currently
// registered.
func (r *Registry) Get(id uint64) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[id]
}

// GetIDs returns the IDs of all connections currently registered (i.e.
// not yet CLOSED), in no particular order.
func (r *Registry) GetIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	return ids
}

// GetStats returns a snapshot of id's counters, or nil if id is not
// registered.
func (r *Registry) GetStats(id uint64) *Stats {
	conn := r.Get(id)
	if conn == nil {
		return nil
	}
	stats := conn.snapshot()
	return &stats
}

// Subscribe registers an observer for all future events. It returns an
// unsubscribe function.
func (r *Registry) Subscribe(obs Observer) (unsubscribe func()) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, obs)
	idx := len(r.observers) - 1
	return func() {
		r.observersMu.Lock()
		defer r.observersMu.Unlock()
		if idx < len(r.observers) {
			r.observers[idx] = nil
		}
	}
}

func (r *Registry) emit(ev Event) {
	r.observersMu.RLock()
	defer r.observersMu.RUnlock()
	for _, obs := range r.observers {
		if obs != nil {
			obs(ev)
		}
	}
}
