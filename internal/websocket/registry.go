package websocket

import (
	"sync"

	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Registry tracks open authenticated connections.
// A user may hold several connections at once (multiple tabs or devices).
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // connID -> Connection
	byUser      map[string]map[string]*Connection // userID -> connID -> Connection
	metrics     *metrics.Metrics
}

// NewRegistry creates an empty registry; m may be nil
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		byUser:      make(map[string]map[string]*Connection),
		metrics:     m,
	}
}

// RegisterConnection adds an authenticated connection
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.GetID()]; exists {
		return nil
	}
	r.connections[conn.GetID()] = conn
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Connection)
	}
	r.byUser[userID][conn.GetID()] = conn

	r.metrics.ConnectionOpened(string(conn.GetRole()))
	return nil
}

// UnregisterConnection removes conn; unknown connections are ignored
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.GetID()]; !exists {
		return
	}
	delete(r.connections, conn.GetID())

	userID := conn.GetUserID()
	if conns, ok := r.byUser[userID]; ok {
		delete(conns, conn.GetID())
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}

	r.metrics.ConnectionClosed(string(conn.GetRole()))
}

// Connections returns a snapshot of every open connection
func (r *Registry) Connections() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// GetUserConnections returns the connections held by userID
func (r *Registry) GetUserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// GetStats returns connection counts for health reporting
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		"total_connections": len(r.connections),
		"unique_users":      len(r.byUser),
		"teachers":          0,
		"students":          0,
	}
	for _, conn := range r.connections {
		switch conn.GetRole() {
		case types.RoleTeacher:
			stats["teachers"]++
		case types.RoleStudent:
			stats["students"]++
		}
	}
	return stats
}

// CloseAll closes every open connection; their read pumps unregister them
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
