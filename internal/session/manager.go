package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nugget/clasp/internal/store"
	"github.com/nugget/clasp/internal/subscribe"
)

// outboxSize is the default buffered capacity of a new session's
// Outbox channel.
const outboxSize = 256

// Manager is the process-wide session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// OnTerminate, if set, is invoked after a session's cascade
	// (subscriptions removed, locks released, gestures cleared) has
	// completed, so a caller can publish an observability event
	// without this package depending on the event bus directly.
	OnTerminate func(s *Session)
}

// NewManager creates an empty session table.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create allocates a new session in StateAwaitingHello and registers
// it in the table.
func (m *Manager) Create() *Session {
	s := newSession(uuid.NewString(), outboxSize)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns the session registered under id, if any and not yet
// terminated.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Terminate tears a session down per spec.md §4.5: its subscriptions
// are removed from subs, its store locks released, every open gesture
// is returned (for the caller to emit synthesized cancel
// notifications if desired), and the session is removed from the
// table and marked Closed. A second call for the same id finds no
// session and returns an error without doing anything else.
func (m *Manager) Terminate(id string, subs *subscribe.Engine, st *store.Store) (cancelledGestures []string, err error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: Terminate: unknown session %q", id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if subs != nil {
		subs.UnsubscribeSession(id)
	}
	if st != nil {
		st.ReleaseSessionLocks(id)
	}
	cancelledGestures = s.ActiveGestures()
	s.close()

	if m.OnTerminate != nil {
		m.OnTerminate(s)
	}
	return cancelledGestures, nil
}

// All returns a snapshot of every live session, for admin/control
// surface listing.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
