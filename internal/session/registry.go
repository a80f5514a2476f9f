// Package session maps active call stream identifiers to their engine
// connections.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/baoagent/voicebridge/internal/engine"
)

// Factory constructs the engine connection for one call.
type Factory func(id string) *engine.Connection

// Registry is the process-wide map of live call sessions. Safe for
// concurrent use.
type Registry struct {
	newConn Factory

	mu       sync.RWMutex
	sessions map[string]*engine.Connection
}

// NewRegistry creates a registry that builds connections via the factory.
func NewRegistry(newConn Factory) *Registry {
	return &Registry{
		newConn:  newConn,
		sessions: make(map[string]*engine.Connection),
	}
}

// Create builds a new engine connection for the stream identifier and
// stores it. A duplicate identifier for a live session is rejected; the
// caller must Delete the prior session first. The caller is responsible
// for invoking Connect on the returned handle.
func (r *Registry) Create(id string) (*engine.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("session %q already exists", id)
	}

	conn := r.newConn(id)
	r.sessions[id] = conn
	slog.Info("Call session created", "stream_sid", id)
	return conn, nil
}

// Get returns the connection for the identifier, or nil if absent.
func (r *Registry) Get(id string) *engine.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Delete resets the session's security state and removes the mapping.
// No-op when the identifier is absent. Closing the engine socket remains
// the caller's responsibility.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.sessions[id]
	if !exists {
		return
	}
	conn.ResetSecurity()
	delete(r.sessions, id)
	slog.Info("Call session deleted", "stream_sid", id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
