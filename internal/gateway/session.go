package gateway

import (
	"context"
	"sync"
	"time"

	"mcpgate/pkg/logging"

	"github.com/google/uuid"
)

// sessionEventBuffer is how many undelivered SSE messages a session queues
// before new ones are dropped.
const sessionEventBuffer = 32

// maxSweepInterval caps the session sweeper period.
const maxSweepInterval = 60 * time.Second

// Session is one client event-stream binding. The events channel feeds the
// client's SSE stream; done closes when the session is removed.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	clientName    string
	clientVersion string

	events chan []byte
	done   chan struct{}
	closed bool
}

// Touch refreshes the session's last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetClientInfo records the client-reported name and version.
func (s *Session) SetClientInfo(name, version string) {
	s.mu.Lock()
	s.clientName = name
	s.clientVersion = version
	s.mu.Unlock()
}

func (s *Session) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}

// SessionStore owns all client sessions and evicts idle ones.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration

	sweepOnce sync.Once
}

// NewSessionStore creates a store with the given idle timeout.
func NewSessionStore(timeout time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// Create mints a session with a random unique identifier.
func (st *SessionStore) Create() *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		lastActivity: now,
		events:       make(chan []byte, sessionEventBuffer),
		done:         make(chan struct{}),
	}
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
	logging.Debug("Gateway", "Session %s created", s.ID)
	return s
}

// Get returns the session for an identifier.
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Touch refreshes a session if it exists.
func (st *SessionStore) Touch(id string) {
	if s, ok := st.Get(id); ok {
		s.Touch()
	}
}

// Remove deletes a session and releases its stream.
func (st *SessionStore) Remove(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		s.close()
		logging.Debug("Gateway", "Session %s removed", id)
	}
}

// Count returns the number of live sessions.
func (st *SessionStore) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Publish queues a payload for delivery on a session's event stream.
// Delivery silently no-ops for unknown or closed sessions; when the stream
// is backed up the payload is dropped and a warning is logged.
func (st *SessionStore) Publish(id string, payload []byte) {
	s, ok := st.Get(id)
	if !ok {
		return
	}
	select {
	case s.events <- payload:
	case <-s.done:
	default:
		logging.Warn("Gateway", "Session %s event buffer full, dropping message", id)
	}
}

// StartSweeper installs the periodic eviction of idle sessions. The sweep
// runs at half the session timeout, capped at one minute.
func (st *SessionStore) StartSweeper(ctx context.Context) {
	st.sweepOnce.Do(func() {
		interval := st.timeout / 2
		if interval > maxSweepInterval {
			interval = maxSweepInterval
		}
		if interval <= 0 {
			interval = maxSweepInterval
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					st.sweep()
				}
			}
		}()
	})
}

func (st *SessionStore) sweep() {
	cutoff := time.Now().Add(-st.timeout)
	var expired []string
	st.mu.RLock()
	for id, s := range st.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()
	for _, id := range expired {
		logging.Info("Gateway", "Session %s expired", id)
		st.Remove(id)
	}
}
