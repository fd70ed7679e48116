// Package dispatch is the router's hot path (spec.md §4.6): one
// method per inbound message type, wired to the state store, the
// subscription engine, the session manager, and the bundle engine.
// Per-session ordering falls out of the transport layer's read loop
// (one goroutine per session feeding Handle calls in arrival order,
// grounded on the teacher's single-reader-goroutine pattern in
// signal.Client.readLoop / homeassistant.WSClient.readLoop) — this
// package itself holds no per-session lock.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/nugget/clasp/internal/addr"
	"github.com/nugget/clasp/internal/bundle"
	"github.com/nugget/clasp/internal/session"
	"github.com/nugget/clasp/internal/store"
	"github.com/nugget/clasp/internal/subscribe"
	"github.com/nugget/clasp/internal/wire"
)

// Error code families from spec.md §6: 1xx protocol, 2xx address, 3xx
// permission, 4xx state, 5xx internal.
const (
	ErrCodeBadVersion      = 101
	ErrCodeUnknownType     = 102
	ErrCodeBadFrame        = 103
	ErrCodeAddressNotFound = 201
	ErrCodeInvalidPattern  = 202
	ErrCodeTokenRejected   = 301
	ErrCodeScope           = 302
	ErrCodeRevision        = 401
	ErrCodeLocked          = 402
	ErrCodeBundleTolerance = 403
	ErrCodeUnknownGesture  = 404
	ErrCodeBackpressure    = 501
)

// Error is a dispatch failure that maps directly onto a wire ERROR
// message. Some codes (1xx, 3xx at the HELLO stage) are terminal: the
// caller is expected to send the ERROR and then close the session.
type Error struct {
	Code          int
	Message       string
	Address       string
	CorrelationID string
	Terminal      bool
}

func (e *Error) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("dispatch: %d %s (%s)", e.Code, e.Message, e.Address)
	}
	return fmt.Sprintf("dispatch: %d %s", e.Code, e.Message)
}

// ToMessage renders e as the wire ERROR message to send to the
// originating session.
func (e *Error) ToMessage() wire.Message {
	return wire.Message{
		Type:          wire.TypeError,
		Code:          e.Code,
		ErrMessage:    e.Message,
		Address:       e.Address,
		CorrelationID: e.CorrelationID,
	}
}

// ProtocolVersion is the CLASP version this dispatcher accepts in
// HELLO (spec.md §4.5: "this version: accept 2").
const ProtocolVersion = 2

// Dispatcher wires the router's hot-path handlers to its core
// components.
type Dispatcher struct {
	Store    *store.Store
	Subs     *subscribe.Engine
	Sessions *session.Manager
	Bundles  *bundle.Engine
	Tokens   session.TokenResolver

	// Now returns the router's current time in microseconds.
	// Overridable in tests; defaults to the wall clock.
	Now func() int64
}

// NewDispatcher creates a Dispatcher bound to the given components.
func NewDispatcher(st *store.Store, subs *subscribe.Engine, sessions *session.Manager, bundles *bundle.Engine, tokens session.TokenResolver) *Dispatcher {
	return &Dispatcher{
		Store:    st,
		Subs:     subs,
		Sessions: sessions,
		Bundles:  bundles,
		Tokens:   tokens,
		Now:      func() int64 { return time.Now().UnixMicro() },
	}
}

// Handle dispatches one inbound message from sess, returning zero or
// more outbound messages for the caller to send back to sess (fan-out
// to other sessions, if any, has already happened by the time Handle
// returns). A returned *Error is always also representable via
// ToMessage; if Terminal is set the caller must close the session
// after sending it.
func (d *Dispatcher) Handle(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	if msg.Type != wire.TypeHello && sess.State() != session.StateActive {
		return nil, &Error{Code: ErrCodeBadFrame, Message: "session not active", Terminal: true}
	}

	switch msg.Type {
	case wire.TypeHello:
		return d.handleHello(sess, msg)
	case wire.TypeSet:
		return d.handleSet(sess, msg)
	case wire.TypeGet:
		return d.handleGet(sess, msg)
	case wire.TypePublish:
		return d.handlePublish(sess, msg)
	case wire.TypeSubscribe:
		return d.handleSubscribe(sess, msg)
	case wire.TypeUnsubscribe:
		return d.handleUnsubscribe(sess, msg)
	case wire.TypeBundle:
		return d.handleBundle(sess, msg)
	case wire.TypeSync:
		return d.handleSync(sess, msg)
	case wire.TypePing:
		return d.handlePing(sess, msg)
	case wire.TypeQuery:
		return d.handleQuery(sess, msg)
	case wire.TypeAck:
		// Client-originated ACKs for Confirm/Commit router sends carry
		// no further action on this side; the router applies no
		// per-session flow control on top of Outbox's own buffering.
		return nil, nil
	default:
		return nil, &Error{Code: ErrCodeUnknownType, Message: fmt.Sprintf("unknown message type %#x", uint8(msg.Type)), Terminal: true}
	}
}

func (d *Dispatcher) handleHello(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	if msg.Version != ProtocolVersion {
		return nil, &Error{Code: ErrCodeBadVersion, Message: fmt.Sprintf("unsupported version %d", msg.Version), Terminal: true}
	}

	grant, err := d.Tokens.Resolve(msg.Token)
	if err != nil {
		return nil, &Error{Code: ErrCodeTokenRejected, Message: "token rejected", Terminal: true}
	}

	if err := sess.Activate(msg.Version, msg.Name, msg.Features, grant); err != nil {
		return nil, &Error{Code: ErrCodeBadFrame, Message: err.Error(), Terminal: true}
	}

	return []wire.Message{{
		Type:     wire.TypeWelcome,
		Version:  ProtocolVersion,
		Session:  sess.ID,
		Name:     msg.Name,
		Features: msg.Features,
		TimeUs:   d.Now(),
	}}, nil
}

func (d *Dispatcher) handleSet(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	if !addr.IsConcrete(msg.Address) {
		return nil, &Error{Code: ErrCodeInvalidPattern, Message: "address must be concrete", Address: msg.Address, CorrelationID: msg.CorrelationID}
	}
	if !sess.Capability().CanWrite(msg.Address) {
		return nil, &Error{Code: ErrCodeScope, Message: "write outside granted scope", Address: msg.Address, CorrelationID: msg.CorrelationID}
	}

	entry, err := d.Store.Set(msg.Address, msg.Value, store.SetOptions{
		Writer:       sess.ID,
		RevisionHint: msg.Revision,
		Lock:         msg.Lock,
		Unlock:       msg.Unlock,
		TimestampUs:  d.Now(),
	})
	if err != nil {
		return nil, setErrorFor(err, msg)
	}

	rev := entry.Revision
	_, _ = d.Subs.Publish(wire.Message{
		Type:     wire.TypeSet,
		Address:  msg.Address,
		Value:    entry.Value,
		Revision: &rev,
		Signal:   wire.SignalParam,
		TimeUs:   entry.TimestampUs,
		QoS:      msg.QoS,
	})

	if msg.QoS >= wire.QoSConfirm {
		return []wire.Message{{Type: wire.TypeAck, Address: msg.Address, Revision: &rev, CorrelationID: msg.CorrelationID}}, nil
	}
	return nil, nil
}

func setErrorFor(err error, msg wire.Message) *Error {
	switch {
	case errors.Is(err, store.ErrRevisionConflict):
		return &Error{Code: ErrCodeRevision, Message: err.Error(), Address: msg.Address, CorrelationID: msg.CorrelationID}
	case errors.Is(err, store.ErrLocked):
		return &Error{Code: ErrCodeLocked, Message: err.Error(), Address: msg.Address, CorrelationID: msg.CorrelationID}
	default:
		return &Error{Code: ErrCodeBackpressure, Message: err.Error(), Address: msg.Address, CorrelationID: msg.CorrelationID}
	}
}

func (d *Dispatcher) handleGet(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	if !sess.Capability().CanRead(msg.Address) {
		return nil, &Error{Code: ErrCodeScope, Message: "read outside granted scope", Address: msg.Address}
	}
	entry, ok := d.Store.Get(msg.Address)
	if !ok {
		return nil, &Error{Code: ErrCodeAddressNotFound, Message: "address not found", Address: msg.Address}
	}
	return []wire.Message{{
		Type:   wire.TypeSnapshot,
		Params: []wire.ParamEntry{{Address: entry.Address, Value: entry.Value, Revision: entry.Revision}},
	}}, nil
}

func (d *Dispatcher) handlePublish(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	if !addr.IsConcrete(msg.Address) {
		return nil, &Error{Code: ErrCodeInvalidPattern, Message: "address must be concrete", Address: msg.Address, CorrelationID: msg.CorrelationID}
	}
	if !sess.Capability().CanWrite(msg.Address) {
		return nil, &Error{Code: ErrCodeScope, Message: "publish outside granted scope", Address: msg.Address, CorrelationID: msg.CorrelationID}
	}

	if msg.Signal == wire.SignalGesture {
		switch msg.Phase {
		case wire.GestureStart:
			sess.StartGesture(msg.GestureID, msg.Address, d.Now())
		case wire.GestureMove:
			if _, _, err := sess.TouchGesture(msg.GestureID); err != nil {
				return nil, &Error{Code: ErrCodeUnknownGesture, Message: err.Error(), Address: msg.Address, CorrelationID: msg.CorrelationID}
			}
		case wire.GestureEnd, wire.GestureCancel:
			if _, _, err := sess.EndGesture(msg.GestureID); err != nil {
				return nil, &Error{Code: ErrCodeUnknownGesture, Message: err.Error(), Address: msg.Address, CorrelationID: msg.CorrelationID}
			}
		}
	}

	timeUs := msg.TimeUs
	if timeUs == 0 {
		timeUs = d.Now()
	}
	_, _ = d.Subs.Publish(wire.Message{
		Type:      wire.TypePublish,
		Address:   msg.Address,
		Value:     msg.Value,
		Signal:    msg.Signal,
		GestureID: msg.GestureID,
		Phase:     msg.Phase,
		Samples:   msg.Samples,
		TimeUs:    timeUs,
		QoS:       msg.QoS,
	})

	if msg.QoS >= wire.QoSConfirm {
		return []wire.Message{{Type: wire.TypeAck, CorrelationID: msg.CorrelationID}}, nil
	}
	return nil, nil
}

func (d *Dispatcher) handleSubscribe(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	pat, err := addr.Compile(msg.Pattern)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidPattern, Message: err.Error()}
	}

	if !sess.Capability().Intersects(pat) {
		return nil, &Error{Code: ErrCodeScope, Message: "subscribe pattern has no overlap with granted read scope"}
	}

	mask := wire.AllKinds
	if len(msg.Types) > 0 {
		mask = wire.MaskFor(msg.Types...)
	}
	sub := subscribe.NewSubscription(msg.SubID, sess.ID, msg.Pattern, mask, msg.Options, sess.Outbox)
	if err := d.Subs.Subscribe(sub); err != nil {
		return nil, &Error{Code: ErrCodeInvalidPattern, Message: err.Error()}
	}
	sess.TrackSubscription(msg.SubID)

	snap, err := d.Store.Snapshot(pat)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidPattern, Message: err.Error()}
	}
	return []wire.Message{snap}, nil
}

func (d *Dispatcher) handleUnsubscribe(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	d.Subs.Unsubscribe(msg.SubID)
	sess.UntrackSubscription(msg.SubID)
	return nil, nil
}

func (d *Dispatcher) handleBundle(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	ack, err := d.Bundles.Submit(msg, sess.ID, sess.Outbox, sess.Capability(), sess.Clock)
	if err != nil {
		code := ErrCodeBackpressure
		switch {
		case errors.Is(err, bundle.ErrOutOfTolerance):
			code = ErrCodeBundleTolerance
		case errors.Is(err, bundle.ErrCapability):
			code = ErrCodeScope
		case errors.Is(err, bundle.ErrUnsupportedMessage):
			code = ErrCodeUnknownType
		case errors.Is(err, store.ErrRevisionConflict):
			code = ErrCodeRevision
		case errors.Is(err, store.ErrLocked):
			code = ErrCodeLocked
		}
		return nil, &Error{Code: code, Message: err.Error(), CorrelationID: msg.CorrelationID}
	}
	if ack == nil {
		// Scheduled: accepted, reply arrives asynchronously on
		// sess.Outbox when the timer fires.
		return nil, nil
	}
	return []wire.Message{*ack}, nil
}

func (d *Dispatcher) handleSync(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	t2 := d.Now()
	t3 := d.Now()
	sess.Clock.Observe(msg.T1, t2, t3)
	return []wire.Message{{Type: wire.TypeSync, T1: msg.T1, T2: t2, T3: t3}}, nil
}

func (d *Dispatcher) handlePing(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	return []wire.Message{{Type: wire.TypePong}}, nil
}

func (d *Dispatcher) handleQuery(sess *session.Session, msg wire.Message) ([]wire.Message, error) {
	pat, err := addr.Compile(msg.Pattern)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidPattern, Message: err.Error()}
	}
	entries, err := d.Store.GetMatching(pat)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidPattern, Message: err.Error()}
	}
	results := make([]string, len(entries))
	for i, e := range entries {
		results[i] = e.Address
	}
	return []wire.Message{{Type: wire.TypeResult, Results: results}}, nil
}
