package lightning

import (
	"context"
	"sync"
)

// Conn is one live, validated node connection. Lifetime is the process:
// entries leave the registry only via Disconnect or shutdown, never by TTL.
type Conn struct {
	Token  string
	Pubkey string
	Client Client

	cancel context.CancelFunc // stops the settlement forwarder
}

// Registry is the process-wide token -> connection cache. All access is
// synchronized; only the map operation itself runs under the lock, never a
// network call.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Get returns the live connection for a token. It never touches the
// network; an unknown token fails with ErrNotAuthorized.
func (r *Registry) Get(token string) (*Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[token]
	if !ok {
		return nil, ErrNotAuthorized
	}
	return conn, nil
}

// put stores a connection, replacing any previous one for the same token.
// The caller is responsible for tearing the old connection down first.
func (r *Registry) put(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.Token] = conn
}

// evict removes a token and returns the connection that was cached, if any.
func (r *Registry) evict(token string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[token]
	delete(r.conns, token)
	return conn
}

// Tokens lists the currently cached tokens.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for token := range r.conns {
		out = append(out, token)
	}
	return out
}
