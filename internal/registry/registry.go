// Package registry tracks the live client and upstream sockets a Proxy
// owns, so it can force them closed on shutdown.
package registry

import (
	"net"
	"sync"
	"sync/atomic"
)

// ClientPhase mirrors a client connection's lifecycle phase.
type ClientPhase int

const (
	PhaseReading ClientPhase = iota
	PhaseTunneling
	PhaseIntercepting
	PhaseUpgradedWS
	PhaseClosed
)

// ClientConn is a tracked client socket.
type ClientConn struct {
	ID     uint64
	Conn   net.Conn
	mu     sync.Mutex
	phase  ClientPhase
}

// SetPhase records the connection's current phase.
func (c *ClientConn) SetPhase(p ClientPhase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Phase returns the connection's current phase.
func (c *ClientConn) Phase() ClientPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// UpstreamConn is a tracked outbound connection to an origin server.
type UpstreamConn struct {
	ID         uint64
	TargetHost string
	TargetPort string
	Conn       net.Conn
	KeepAlive  bool
}

// Registry owns the set of live ClientConns and UpstreamConns for one
// Proxy instance. Mutated by accept/close; CloseAll snapshots before
// iterating so concurrent removal during shutdown is safe.
type Registry struct {
	nextID atomic.Uint64

	mu        sync.Mutex
	clients   map[uint64]*ClientConn
	upstreams map[uint64]*UpstreamConn
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		clients:   make(map[uint64]*ClientConn),
		upstreams: make(map[uint64]*UpstreamConn),
	}
}

func (r *Registry) nextConnID() uint64 { return r.nextID.Add(1) }

// AddClient registers conn and returns its tracked handle.
func (r *Registry) AddClient(conn net.Conn) *ClientConn {
	cc := &ClientConn{ID: r.nextConnID(), Conn: conn, phase: PhaseReading}
	r.mu.Lock()
	r.clients[cc.ID] = cc
	r.mu.Unlock()
	return cc
}

// RemoveClient unregisters a previously added client, if still present.
func (r *Registry) RemoveClient(id uint64) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

// AddUpstream registers an outbound connection and returns its handle.
func (r *Registry) AddUpstream(conn net.Conn, host, port string, keepAlive bool) *UpstreamConn {
	uc := &UpstreamConn{ID: r.nextConnID(), TargetHost: host, TargetPort: port, Conn: conn, KeepAlive: keepAlive}
	r.mu.Lock()
	r.upstreams[uc.ID] = uc
	r.mu.Unlock()
	return uc
}

// RemoveUpstream unregisters a previously added upstream connection.
func (r *Registry) RemoveUpstream(id uint64) {
	r.mu.Lock()
	delete(r.upstreams, id)
	r.mu.Unlock()
}

// ClientCount returns the number of currently tracked client connections.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// UpstreamCount returns the number of currently tracked upstream
// connections.
func (r *Registry) UpstreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upstreams)
}

// CloseAll force-destroys every tracked client and upstream socket. It
// snapshots the maps first so sockets whose own Close callback races with
// this call don't corrupt iteration.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]*ClientConn, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	upstreams := make([]*UpstreamConn, 0, len(r.upstreams))
	for _, u := range r.upstreams {
		upstreams = append(upstreams, u)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.SetPhase(PhaseClosed)
		_ = c.Conn.Close()
		r.RemoveClient(c.ID)
	}
	for _, u := range upstreams {
		_ = u.Conn.Close()
		r.RemoveUpstream(u.ID)
	}
}
