// Package bundle implements CLASP's atomic-group execution (spec.md
// §4.7): a bundle is an ordered list of SET messages plus an optional
// scheduled execution time, applied as a single all-or-nothing unit
// with one coalesced fan-out per address touched.
package bundle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/clasp/internal/session"
	"github.com/nugget/clasp/internal/store"
	"github.com/nugget/clasp/internal/subscribe"
	"github.com/nugget/clasp/internal/wire"
)

// DefaultToleranceUs is the ±500ms scheduling tolerance from spec.md
// §4.7, expressed in microseconds.
const DefaultToleranceUs = 500_000

var (
	// ErrOutOfTolerance is returned when a scheduled bundle's target
	// time, converted to router time via the submitting session's
	// clock estimate, already lies further in the past than the
	// configured tolerance.
	ErrOutOfTolerance = errors.New("bundle: scheduled time out of tolerance")
	// ErrCapability is returned when any contained message writes
	// outside the submitting session's granted write set. The whole
	// bundle is aborted; nothing it contains takes effect.
	ErrCapability = errors.New("bundle: capability check failed")
	// ErrUnsupportedMessage is returned for a bundle containing
	// anything other than SET messages — this version only implements
	// the staged-diff semantics spec.md §4.7 describes for Param
	// writes.
	ErrUnsupportedMessage = errors.New("bundle: only SET messages are supported inside a bundle")
)

// Engine schedules and executes bundles.
type Engine struct {
	store *store.Store
	subs  *subscribe.Engine

	toleranceUs int64

	// mu is the transactional lock mentioned in SPEC_FULL.md: a single
	// global mutex, distinct from the store's per-address locks, held
	// only for one bundle's own execution so no other bundle's fan-out
	// interleaves with it. It does not serialize against concurrent
	// non-bundle SETs arriving through dispatch — under contention
	// from those, a bundle can still observe a changed revision between
	// its pre-check and its write and abort partway through a handful
	// of already-applied addresses. That's a documented simplification
	// (see DESIGN.md), not full serializability.
	mu sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	// Now returns the current router time in microseconds. Overridable
	// in tests for determinism; defaults to the wall clock.
	Now func() int64
}

// NewEngine creates a bundle engine bound to st and subs.
func NewEngine(st *store.Store, subs *subscribe.Engine) *Engine {
	return &Engine{
		store:       st,
		subs:        subs,
		toleranceUs: DefaultToleranceUs,
		timers:      make(map[string]*time.Timer),
		Now:         func() int64 { return time.Now().UnixMicro() },
	}
}

// Submit accepts a BUNDLE message from sessionID, whose granted write
// capability is grant and whose clock offset estimate is clock.
//
// An immediate bundle (TimeUs == 0) executes synchronously and its ACK
// (or an error) is returned directly. A scheduled bundle is queued on
// the timer wheel and Submit returns (nil, nil) to indicate
// acceptance; its eventual ACK or ERROR is delivered asynchronously to
// outbox when the timer fires, mirroring the non-blocking delivery
// idiom used throughout subscribe.Engine.
func (e *Engine) Submit(msg wire.Message, sessionID string, outbox chan<- wire.Message, grant session.Capability, clock *session.Estimator) (*wire.Message, error) {
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	if msg.TimeUs == 0 {
		return e.executeNow(msg.Messages, sessionID, correlationID, grant)
	}

	nowUs := e.Now()
	targetRouterUs := clock.ToRouterTime(msg.TimeUs)
	if targetRouterUs < nowUs-e.toleranceUs {
		return nil, fmt.Errorf("%w: target %d, now %d, tolerance %dus", ErrOutOfTolerance, targetRouterUs, nowUs, e.toleranceUs)
	}
	if targetRouterUs <= nowUs {
		return e.executeNow(msg.Messages, sessionID, correlationID, grant)
	}

	delay := time.Duration(targetRouterUs-nowUs) * time.Microsecond
	timer := time.AfterFunc(delay, func() {
		e.timersMu.Lock()
		delete(e.timers, correlationID)
		e.timersMu.Unlock()

		ack, err := e.executeNow(msg.Messages, sessionID, correlationID, grant)
		var reply wire.Message
		if err != nil {
			reply = wire.Message{Type: wire.TypeError, CorrelationID: correlationID, ErrMessage: err.Error()}
		} else {
			reply = *ack
		}
		select {
		case outbox <- reply:
		default:
		}
	})

	e.timersMu.Lock()
	e.timers[correlationID] = timer
	e.timersMu.Unlock()
	return nil, nil
}

// Cancel stops a scheduled bundle before it fires, if still pending.
// Reports whether a timer was found and stopped.
func (e *Engine) Cancel(correlationID string) bool {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	t, ok := e.timers[correlationID]
	if !ok {
		return false
	}
	stopped := t.Stop()
	delete(e.timers, correlationID)
	return stopped
}

// Pending reports how many scheduled bundles are still queued.
func (e *Engine) Pending() int {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	return len(e.timers)
}

type plannedWrite struct {
	address string
	value   wire.Value
	opts    store.SetOptions
}

// executeNow runs the staged-diff execution described in spec.md
// §4.7: every contained message is capability-, lock- and revision-checked
// against the store's current state before any write is applied; if
// any check fails the bundle is aborted with no visible effect. Only
// once every check passes are the writes actually performed, then one
// coalesced PUBLISH is fanned out per address touched (carrying its
// final value, so subscribers never see an intermediate state).
func (e *Engine) executeNow(messages []wire.Message, sessionID, correlationID string, grant session.Capability) (*wire.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	nowUs := e.Now()
	planned := make([]plannedWrite, 0, len(messages))
	unlocked := make(map[string]bool)
	for _, m := range messages {
		if m.Type != wire.TypeSet {
			return nil, fmt.Errorf("%w: got message type %#x", ErrUnsupportedMessage, uint8(m.Type))
		}
		if !grant.CanWrite(m.Address) {
			return nil, fmt.Errorf("%w: %s", ErrCapability, m.Address)
		}
		if existing, ok := e.store.Get(m.Address); ok && existing.Lock != nil &&
			existing.Lock.SessionID != sessionID && !m.Unlock && !unlocked[m.Address] {
			return nil, fmt.Errorf("%w: %s held by session %q", store.ErrLocked, m.Address, existing.Lock.SessionID)
		}
		if m.Unlock {
			unlocked[m.Address] = true
		}
		if m.Revision != nil {
			var cur uint64
			if existing, ok := e.store.Get(m.Address); ok {
				cur = existing.Revision
			}
			if *m.Revision != cur {
				return nil, fmt.Errorf("%w: %s has revision %d, bundle expected %d", store.ErrRevisionConflict, m.Address, cur, *m.Revision)
			}
		}
		planned = append(planned, plannedWrite{
			address: m.Address,
			value:   m.Value,
			opts: store.SetOptions{
				Writer:       sessionID,
				RevisionHint: m.Revision,
				Lock:         m.Lock,
				Unlock:       m.Unlock,
				TimestampUs:  nowUs,
			},
		})
	}

	touched := make(map[string]store.Entry, len(planned))
	for _, p := range planned {
		entry, err := e.store.Set(p.address, p.value, p.opts)
		if err != nil {
			return nil, err
		}
		touched[p.address] = entry
	}

	for address, entry := range touched {
		_, _ = e.subs.Publish(wire.Message{
			Type:    wire.TypeSet,
			Address: address,
			Value:   entry.Value,
			Signal:  wire.SignalParam,
			TimeUs:  entry.TimestampUs,
			// spec.md §4.7: "QoS for a bundle is Commit by default."
			QoS: wire.QoSCommit,
		})
	}

	ack := wire.Message{Type: wire.TypeAck, CorrelationID: correlationID}
	return &ack, nil
}
