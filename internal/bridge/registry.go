package bridge

import (
	"log/slog"
	"sync"
)

// Registry tracks the active bridge sessions. Each telephony connection has
// at most one session; sessions remove themselves when they close.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("subsystem", "bridge-sessions"),
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.logger.Info("bridge session registered", "session_id", s.ID)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.logger.Info("bridge session removed", "session_id", id)
}

// Get returns a session by ID, or nil if not found.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns summaries of all active sessions.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}
