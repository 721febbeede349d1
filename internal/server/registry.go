package server

import (
	"sync"
	"time"
)

// Registry tracks live sessions by session ID and answers device-to-session
// lookups. A device that reconnects gets a new session; the registry always
// resolves a device ID to its most recent live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s under its session ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove drops the session with the given ID. It does not close the session.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// Get returns the session with the given ID, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// ByDevice returns the most recently connected live session for deviceID,
// or nil when the device is not connected.
func (r *Registry) ByDevice(deviceID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Session
	for _, s := range r.sessions {
		if s.DeviceID != deviceID {
			continue
		}
		if best == nil || s.connectedAt.After(best.connectedAt) {
			best = s
		}
	}
	return best
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SessionInfo is a point-in-time view of one session for the status API.
type SessionInfo struct {
	SessionID   string      `json:"session_id"`
	DeviceID    string      `json:"device_id"`
	ClientID    string      `json:"client_id"`
	ConnectedAt time.Time   `json:"connected_at"`
	State       DeviceState `json:"state"`
}

// Snapshot returns a view of all registered sessions.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			SessionID:   s.ID,
			DeviceID:    s.DeviceID,
			ClientID:    s.ClientID,
			ConnectedAt: s.connectedAt,
			State:       s.State(),
		})
	}
	return out
}
