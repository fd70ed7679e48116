// Package subscribe implements the subscription engine: a trie-indexed
// registry of active subscriptions and the per-subscriber filtering
// (max_rate, epsilon, window) and non-blocking delivery that turns a
// published signal into zero or more outbound PUBLISH messages.
package subscribe

import (
	"fmt"
	"sync"

	"github.com/nugget/clasp/internal/addr"
	"github.com/nugget/clasp/internal/wire"
)

// Subscription is one active SUBSCRIBE grant. Filter state (last
// delivered timestamp/value per address) lives on the subscription
// itself rather than in a separate engine-wide table: since each
// subscription is already its own object, guarding its filter map with
// its own mutex isolates contention between subscriptions exactly as a
// striped lock would, without the bookkeeping a shared stripe table
// would need to garbage-collect state on Unsubscribe.
type Subscription struct {
	ID        string
	SessionID string
	Pattern   string
	Types     wire.KindMask
	Options   wire.SubscribeOptions
	Outbox    chan<- wire.Message

	filtersMu sync.Mutex
	filters   map[string]*addressFilter
}

type addressFilter struct {
	lastDeliveredUs int64
	lastValue       wire.Value
	hasValue        bool
}

// NewSubscription constructs a Subscription ready to pass to
// Engine.Subscribe.
func NewSubscription(id, sessionID, pattern string, types wire.KindMask, opts wire.SubscribeOptions, outbox chan<- wire.Message) *Subscription {
	return &Subscription{
		ID:        id,
		SessionID: sessionID,
		Pattern:   pattern,
		Types:     types,
		Options:   opts,
		Outbox:    outbox,
		filters:   make(map[string]*addressFilter),
	}
}

// allow applies max_rate, window, and epsilon filtering for one
// address and records the delivery if it passes. Returns false if msg
// should be suppressed for this subscriber.
func (s *Subscription) allow(address string, msg wire.Message) bool {
	s.filtersMu.Lock()
	defer s.filtersMu.Unlock()

	f, ok := s.filters[address]
	if !ok {
		f = &addressFilter{}
		s.filters[address] = f
	}

	if f.hasValue {
		if s.Options.MaxRate > 0 {
			minIntervalUs := int64(1e6 / s.Options.MaxRate)
			if msg.TimeUs-f.lastDeliveredUs < minIntervalUs {
				return false
			}
		}
		if msg.Signal == wire.SignalStream && s.Options.WindowUs > 0 {
			if msg.TimeUs-f.lastDeliveredUs < s.Options.WindowUs {
				return false
			}
		}
		if s.Options.Epsilon > 0 && msg.Value.IsNumeric() && f.lastValue.IsNumeric() {
			diff := msg.Value.AsFloat64() - f.lastValue.AsFloat64()
			if diff < 0 {
				diff = -diff
			}
			if diff < s.Options.Epsilon {
				return false
			}
		}
	}

	f.lastDeliveredUs = msg.TimeUs
	f.lastValue = msg.Value
	f.hasValue = true
	return true
}

// forget drops filter state for address, e.g. after the address is
// deleted from the store.
func (s *Subscription) forget(address string) {
	s.filtersMu.Lock()
	delete(s.filters, address)
	s.filtersMu.Unlock()
}

// Engine is the trie-indexed subscription registry plus fanout.
// Safe for concurrent use.
type Engine struct {
	idx *addr.Index

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{idx: addr.NewIndex(), subs: make(map[string]*Subscription)}
}

// Subscribe registers sub. Returns an error if sub.Pattern does not
// compile.
func (e *Engine) Subscribe(sub *Subscription) error {
	if err := e.idx.Register(sub.ID, sub.Pattern); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	e.mu.Lock()
	e.subs[sub.ID] = sub
	e.mu.Unlock()
	return nil
}

// Unsubscribe removes a subscription. No-op if id is unknown.
func (e *Engine) Unsubscribe(id string) {
	e.idx.Unregister(id)
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
}

// UnsubscribeSession removes every subscription owned by sessionID,
// used by the session termination cascade.
func (e *Engine) UnsubscribeSession(sessionID string) []string {
	e.mu.Lock()
	var ids []string
	for id, sub := range e.subs {
		if sub.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Unsubscribe(id)
	}
	return ids
}

// Recipient names one subscriber a fanout reached, for diagnostics and
// for the control surface's subscription inspection.
type Recipient struct {
	SubscriptionID string
	SessionID      string
	Delivered      bool
}

// Publish routes msg (a decoded Param/Event/Stream/Gesture/Timeline
// signal at msg.Address) to every matching, kind-admitting subscriber,
// applying each subscriber's filters independently. Delivery is
// non-blocking: a subscriber whose outbound queue is full simply
// misses this message (grounded on the teacher's events.Bus.Publish,
// see DESIGN.md) — one slow subscriber never stalls fanout to the
// rest.
func (e *Engine) Publish(msg wire.Message) ([]Recipient, error) {
	ids, err := e.idx.Match(msg.Address)
	if err != nil {
		return nil, fmt.Errorf("subscribe: publish: %w", err)
	}

	e.mu.RLock()
	targets := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		if s, ok := e.subs[id]; ok {
			targets = append(targets, s)
		}
	}
	e.mu.RUnlock()

	recipients := make([]Recipient, 0, len(targets))
	for _, sub := range targets {
		if !sub.Types.Allows(msg.Signal) {
			continue
		}
		if !sub.allow(msg.Address, msg) {
			continue
		}
		r := Recipient{SubscriptionID: sub.ID, SessionID: sub.SessionID}
		select {
		case sub.Outbox <- msg:
			r.Delivered = true
		default:
			r.Delivered = false
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}

// Get returns the subscription registered under id, if any.
func (e *Engine) Get(id string) (*Subscription, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.subs[id]
	return s, ok
}

// Len reports the number of active subscriptions.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
