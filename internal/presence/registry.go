// Package presence tracks which connection currently speaks for each
// participant. The registry is the single authority inside one relay
// process; scaling beyond one process requires externalizing it into a
// store with compare-and-swap semantics.
package presence

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps a participant to at most one live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]uuid.UUID // participantID -> connectionID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uuid.UUID]uuid.UUID),
	}
}

// Register binds participantID to connectionID. Last write wins: a reconnect
// atomically supersedes the previous connection's mapping.
func (r *Registry) Register(participantID, connectionID uuid.UUID) {
	r.mu.Lock()
	r.conns[participantID] = connectionID
	r.mu.Unlock()
}

// Lookup returns the connection currently bound to participantID.
func (r *Registry) Lookup(participantID uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	connID, ok := r.conns[participantID]
	r.mu.RUnlock()
	return connID, ok
}

// Unregister removes the mapping only if it still points at connectionID.
// A stale disconnect arriving after a faster reconnect must not evict the
// newer mapping. Returns true if the mapping was removed.
func (r *Registry) Unregister(participantID, connectionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[participantID]
	if !ok || current != connectionID {
		return false
	}
	delete(r.conns, participantID)
	return true
}

// Size returns the number of registered participants.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
