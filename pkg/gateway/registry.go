// KFRelay - WeCom customer-service to gateway relay
// Registry of authenticated gateway connections, one per gateway id

package gateway

import (
	"sync"

	"github.com/sipeed/kfrelay/pkg/logger"
	"github.com/sipeed/kfrelay/pkg/protocol"
)

// Registry maps gateway ids to their single live connection. Registering
// a second connection for the same id displaces the first.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register installs conn as the connection for its gateway id and closes
// any connection it displaces. The swap happens under the lock so frames
// routed by id never race between old and new; the displaced close runs
// outside it because closing writes to the socket.
func (r *Registry) Register(conn *Conn) {
	id := conn.GatewayID()

	r.mu.Lock()
	old := r.conns[id]
	r.conns[id] = conn
	r.mu.Unlock()

	if old != nil && old != conn {
		logger.InfoCF("gateway", "Replacing connection", map[string]any{
			"gateway_id": id,
		})
		old.Close(protocol.CloseNormal, protocol.CloseReasonReplaced)
	}
}

// Remove drops conn from the registry, but only if it is still the
// registered connection for its id. A connection that was displaced must
// not evict its replacement on teardown.
func (r *Registry) Remove(conn *Conn) {
	id := conn.GatewayID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[id] == conn {
		delete(r.conns, id)
	}
}

// Get returns the live connection for a gateway id, if any.
func (r *Registry) Get(gatewayID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[gatewayID]
	return conn, ok
}

// Len reports how many gateways are connected.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every registered connection with a normal close frame.
// Used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(protocol.CloseNormal, reason)
	}
}
