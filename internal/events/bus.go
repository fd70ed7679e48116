// Package events provides a publish/subscribe event bus for
// operational observability: router lifecycle, session churn, bridge
// health, and discovery state flow from components to subscribers
// (the control surface, a future metrics collector). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from session lifecycle (hello,
	// capability grant, disconnect).
	SourceSession = "session"
	// SourceDispatch identifies events from the dispatcher (set/get/
	// subscribe/publish/bundle handling).
	SourceDispatch = "dispatch"
	// SourceBridge identifies events from a bridge driver's supervised
	// goroutine.
	SourceBridge = "bridge"
	// SourceDiscovery identifies events from mDNS advertisement or the
	// UDP broadcast probe responder.
	SourceDiscovery = "discovery"
	// SourceControl identifies events from the administrative control
	// surface.
	SourceControl = "control"
	// SourceTransport identifies events from a transport front-end
	// (WebSocket, TCP, UDP, QUIC).
	SourceTransport = "transport"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionOpened signals a new session completed HELLO.
	// Data: session_id, remote_addr.
	KindSessionOpened = "session_opened"
	// KindSessionClosed signals a session disconnected.
	// Data: session_id, reason.
	KindSessionClosed = "session_closed"

	// KindSetRejected signals a SET was rejected (scope, lock, stale
	// revision). Data: address, code, session_id.
	KindSetRejected = "set_rejected"
	// KindSubscribeAdded signals a new subscription was registered.
	// Data: session_id, pattern.
	KindSubscribeAdded = "subscribe_added"
	// KindBundleApplied signals a bundle committed atomically.
	// Data: bundle_id, member_count.
	KindBundleApplied = "bundle_applied"

	// KindBridgeStarting signals a bridge driver entering StateStarting.
	// Data: bridge_id, kind.
	KindBridgeStarting = "bridge_starting"
	// KindBridgeDegraded signals a bridge driver hit a transient error
	// and is backing off. Data: bridge_id, kind, error, retry_in_ms.
	KindBridgeDegraded = "bridge_degraded"
	// KindBridgeStopped signals a bridge was deleted or stopped.
	// Data: bridge_id, kind.
	KindBridgeStopped = "bridge_stopped"

	// KindDiscoveryAdvertising signals mDNS/broadcast advertisement
	// started successfully. Data: service, port.
	KindDiscoveryAdvertising = "discovery_advertising"
	// KindDiscoveryProbeAnswered signals a UDP broadcast probe was
	// answered. Data: peer_addr.
	KindDiscoveryProbeAnswered = "discovery_probe_answered"

	// KindControlCommand signals a command was received on the
	// control surface. Data: command, bridge.
	KindControlCommand = "control_command"

	// KindListenerStarted signals a transport front-end bound its
	// listen address. Data: kind, address.
	KindListenerStarted = "listener_started"
	// KindListenerStopped signals a transport front-end shut down.
	// Data: kind, address, error.
	KindListenerStopped = "listener_stopped"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
