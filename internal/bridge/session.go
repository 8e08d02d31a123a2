package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a bridge session.
type State int

const (
	StateConnecting State = iota // telephony accepted, upstream handshake in progress
	StateActive                  // both channels live, forwarding
	StateDraining                // one side terminated, unwinding the other
	StateClosed                  // terminal; both channels released
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-call state shared by the two forwarding loops. The only
// cross-loop mutable fields are the state, the write-once stream SID, and the
// forwarding counters.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.RWMutex
	state     State
	streamSID string

	// Forwarding counters, updated by whichever loop handles the chunk.
	chunksToUp    atomic.Int64
	bytesToUp     atomic.Int64
	chunksToTel   atomic.Int64
	bytesToTel    atomic.Int64
	chunksDropped atomic.Int64
}

func newSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		state:     StateConnecting,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// transition moves the session forward. Closed is terminal and states never
// move backwards, so a late Draining from the second loop cannot undo Closed.
func (s *Session) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to > s.state {
		s.state = to
	}
}

// SetStreamSID records the stream SID from the start event. Only the first
// assignment takes; it returns false for any later attempt.
func (s *Session) SetStreamSID(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamSID != "" {
		return false
	}
	s.streamSID = sid
	return true
}

// StreamSID returns the recorded stream SID, or "" if the start event has
// not arrived yet.
func (s *Session) StreamSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamSID
}

func (s *Session) recordToUpstream(n int) {
	s.chunksToUp.Add(1)
	s.bytesToUp.Add(int64(n))
}

func (s *Session) recordToTelephony(n int) {
	s.chunksToTel.Add(1)
	s.bytesToTel.Add(int64(n))
}

func (s *Session) recordDrop() {
	s.chunksDropped.Add(1)
}

// Stats is a point-in-time snapshot of the forwarding counters.
type Stats struct {
	ChunksToUpstream  int64
	BytesToUpstream   int64
	ChunksToTelephony int64
	BytesToTelephony  int64
	ChunksDropped     int64
}

// Stats returns a snapshot of the forwarding counters.
func (s *Session) Stats() Stats {
	return Stats{
		ChunksToUpstream:  s.chunksToUp.Load(),
		BytesToUpstream:   s.bytesToUp.Load(),
		ChunksToTelephony: s.chunksToTel.Load(),
		BytesToTelephony:  s.bytesToTel.Load(),
		ChunksDropped:     s.chunksDropped.Load(),
	}
}

// Info is the externally visible summary of a session, served by the
// active-sessions API.
type Info struct {
	ID        string    `json:"id"`
	StreamSID string    `json:"stream_sid,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	Stats     Stats     `json:"stats"`
}

// Info returns the session summary.
func (s *Session) Info() Info {
	s.mu.RLock()
	sid := s.streamSID
	state := s.state
	s.mu.RUnlock()

	return Info{
		ID:        s.ID,
		StreamSID: sid,
		State:     state.String(),
		CreatedAt: s.CreatedAt,
		Stats:     s.Stats(),
	}
}
