package session

import (
	"errors"
	"testing"

	"github.com/nugget/clasp/internal/addr"
	"github.com/nugget/clasp/internal/store"
	"github.com/nugget/clasp/internal/subscribe"
	"github.com/nugget/clasp/internal/wire"
)

func TestManagerCreateAndActivate(t *testing.T) {
	m := NewManager()
	s := m.Create()
	if s.State() != StateAwaitingHello {
		t.Fatalf("new session state = %v, want AwaitingHello", s.State())
	}

	grant := Capability{Read: []addr.Pattern{addr.MustCompile("/**")}}
	if err := s.Activate(2, "console1", []string{"bundle"}, grant); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if s.State() != StateActive {
		t.Fatalf("state after Activate = %v, want Active", s.State())
	}
	if !s.Capability().CanRead("/studio/a/fader") {
		t.Error("Capability.CanRead(/studio/a/fader) = false, want true under /** grant")
	}

	if err := s.Activate(2, "console1", nil, Capability{}); err == nil {
		t.Error("second Activate call should error (already active)")
	}
}

func TestGestureLifecycle(t *testing.T) {
	s := newSession("s1", 8)

	if _, _, err := s.TouchGesture("g1"); !errors.Is(err, ErrUnknownGesture) {
		t.Fatalf("TouchGesture before start = %v, want ErrUnknownGesture", err)
	}

	s.StartGesture("g1", "/stage/performer1/pos", 100)
	addr_, start, err := s.TouchGesture("g1")
	if err != nil {
		t.Fatalf("TouchGesture: %v", err)
	}
	if addr_ != "/stage/performer1/pos" || start != 100 {
		t.Errorf("TouchGesture = (%q, %d), want (/stage/performer1/pos, 100)", addr_, start)
	}

	if _, _, err := s.EndGesture("g1"); err != nil {
		t.Fatalf("EndGesture: %v", err)
	}
	if _, _, err := s.TouchGesture("g1"); !errors.Is(err, ErrUnknownGesture) {
		t.Error("TouchGesture after EndGesture should be ErrUnknownGesture")
	}
}

func TestManagerTerminateCascades(t *testing.T) {
	m := NewManager()
	subs := subscribe.NewEngine()
	st := store.New()

	s := m.Create()
	_ = s.Activate(2, "c1", nil, Capability{})
	s.StartGesture("g1", "/a", 0)

	out := make(chan wire.Message, 4)
	sub := subscribe.NewSubscription("sub1", s.ID, "/a", wire.AllKinds, wire.SubscribeOptions{}, out)
	if err := subs.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var terminated *Session
	m.OnTerminate = func(sess *Session) { terminated = sess }

	cancelled, err := m.Terminate(s.ID, subs, st)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != "g1" {
		t.Errorf("Terminate cancelled gestures = %v, want [g1]", cancelled)
	}
	if terminated == nil || terminated.ID != s.ID {
		t.Error("OnTerminate was not invoked with the terminated session")
	}
	if s.State() != StateClosed {
		t.Errorf("state after Terminate = %v, want Closed", s.State())
	}
	if _, ok := m.Get(s.ID); ok {
		t.Error("Get() should fail for a terminated session")
	}
	if subs.Len() != 0 {
		t.Errorf("subs.Len() after Terminate = %d, want 0", subs.Len())
	}

	if _, err := m.Terminate(s.ID, subs, st); err == nil {
		t.Error("second Terminate call should error (unknown session)")
	}
}
