package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nugget/clasp/internal/wire"
)

// State is a session's position in the handshake state machine.
type State uint8

const (
	StateAwaitingHello State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by operations attempted on a closed session.
var ErrClosed = errors.New("session: closed")

type gestureEntry struct {
	Address string
	StartUs int64
}

// Session holds all per-client state: handshake progress, granted
// capability, clock offset estimate, gesture registry, and the
// subscription ids it owns — the tuple spec.md §3's glossary entry for
// Session describes. Store locks it holds are not recorded here; the
// store tracks them under the session ID.
type Session struct {
	ID string

	mu       sync.Mutex
	state    State
	version  uint8
	name     string
	features []string
	cap      Capability

	Clock *Estimator

	// Outbox is the session's outbound queue, drained by the
	// transport's write loop. The subscription engine's sends to it are
	// non-blocking (a full Outbox is a drop); the transport's direct
	// replies block until there is room or the connection's context
	// ends. Confirm/Commit QoS is carried on the message
	// for the client's own visibility but the router applies no
	// separate per-session backpressure on top of Outbox's buffer.
	Outbox chan wire.Message

	gestureMu sync.Mutex
	gestures  map[string]*gestureEntry

	subMu sync.Mutex
	subs  map[string]struct{}
}

func newSession(id string, outboxSize int) *Session {
	return &Session{
		ID:       id,
		state:    StateAwaitingHello,
		Clock:    NewEstimator(),
		Outbox:   make(chan wire.Message, outboxSize),
		gestures: make(map[string]*gestureEntry),
		subs:     make(map[string]struct{}),
	}
}

// State returns the session's current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate transitions a session from AwaitingHello to Active,
// recording the negotiated version, client name, feature list, and
// granted capability from a successful HELLO/WELCOME exchange.
func (s *Session) Activate(version uint8, name string, features []string, cap Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingHello {
		return fmt.Errorf("session: Activate called in state %s", s.state)
	}
	s.version = version
	s.name = name
	s.features = features
	s.cap = cap
	s.state = StateActive
	return nil
}

// Capability returns the session's granted capability. Zero value
// (no access) before Activate.
func (s *Session) Capability() Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cap
}

// Name returns the client name supplied in HELLO.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Features returns the feature list negotiated in HELLO.
func (s *Session) Features() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

// HasFeature reports whether name was present in the session's HELLO
// feature list (e.g. "no-binary").
func (s *Session) HasFeature(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.features {
		if f == name {
			return true
		}
	}
	return false
}

// close marks the session Closed. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// --- subscription ownership bookkeeping ---

// TrackSubscription records that this session owns subscription id,
// for the termination cascade.
func (s *Session) TrackSubscription(id string) {
	s.subMu.Lock()
	s.subs[id] = struct{}{}
	s.subMu.Unlock()
}

// UntrackSubscription removes id from the session's owned set.
func (s *Session) UntrackSubscription(id string) {
	s.subMu.Lock()
	delete(s.subs, id)
	s.subMu.Unlock()
}

// OwnedSubscriptions returns the ids of every subscription this
// session currently owns.
func (s *Session) OwnedSubscriptions() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// --- gesture registry ---

// ErrUnknownGesture is returned by TouchGesture/EndGesture for a
// gesture id that was never started, or already ended, on this
// session (spec.md §3 edge case: move/end on an unknown id is dropped
// with ERROR 4xx).
var ErrUnknownGesture = errors.New("session: unknown gesture id")

// StartGesture registers a new phased Gesture. Re-using an id that is
// already active replaces its registration (a client retrying a start
// after a dropped ACK is treated as a fresh start, not an error).
func (s *Session) StartGesture(id, address string, nowUs int64) {
	s.gestureMu.Lock()
	s.gestures[id] = &gestureEntry{Address: address, StartUs: nowUs}
	s.gestureMu.Unlock()
}

// TouchGesture validates that id is active for a move phase and
// returns the address and start time it was registered with; the
// caller's address is not compared. Returns ErrUnknownGesture if id is
// not active.
func (s *Session) TouchGesture(id string) (address string, startUs int64, err error) {
	s.gestureMu.Lock()
	defer s.gestureMu.Unlock()
	g, ok := s.gestures[id]
	if !ok {
		return "", 0, ErrUnknownGesture
	}
	return g.Address, g.StartUs, nil
}

// EndGesture clears a gesture registration on end or cancel. Returns
// ErrUnknownGesture if id was never started (or already ended).
func (s *Session) EndGesture(id string) (address string, startUs int64, err error) {
	s.gestureMu.Lock()
	defer s.gestureMu.Unlock()
	g, ok := s.gestures[id]
	if !ok {
		return "", 0, ErrUnknownGesture
	}
	delete(s.gestures, id)
	return g.Address, g.StartUs, nil
}

// ActiveGestures returns the ids of every gesture currently open on
// this session, used by the termination cascade to synthesize cancel
// notifications.
func (s *Session) ActiveGestures() []string {
	s.gestureMu.Lock()
	defer s.gestureMu.Unlock()
	ids := make([]string, 0, len(s.gestures))
	for id := range s.gestures {
		ids = append(ids, id)
	}
	return ids
}

