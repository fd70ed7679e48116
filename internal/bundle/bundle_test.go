package bundle

import (
	"errors"
	"testing"
	"time"

	"github.com/nugget/clasp/internal/addr"
	"github.com/nugget/clasp/internal/session"
	"github.com/nugget/clasp/internal/store"
	"github.com/nugget/clasp/internal/subscribe"
	"github.com/nugget/clasp/internal/wire"
)

func fullGrant() session.Capability {
	return session.Capability{
		Read:  []addr.Pattern{addr.MustCompile("/**")},
		Write: []addr.Pattern{addr.MustCompile("/**")},
	}
}

func TestImmediateBundleAppliesAllWrites(t *testing.T) {
	st := store.New()
	subs := subscribe.NewEngine()
	e := NewEngine(st, subs)

	out := make(chan wire.Message, 4)
	sub := subscribe.NewSubscription("sub1", "watcher", "/stage/**", wire.AllKinds, wire.SubscribeOptions{}, out)
	if err := subs.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := wire.Message{
		Type: wire.TypeBundle,
		Messages: []wire.Message{
			{Type: wire.TypeSet, Address: "/stage/a/pos", Value: wire.FloatValue(1)},
			{Type: wire.TypeSet, Address: "/stage/b/pos", Value: wire.FloatValue(2)},
		},
	}

	ack, err := e.Submit(msg, "writer1", nil, fullGrant(), session.NewEstimator())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack == nil || ack.Type != wire.TypeAck {
		t.Fatalf("Submit ack = %v, want TypeAck", ack)
	}

	if entry, ok := st.Get("/stage/a/pos"); !ok || entry.Revision != 1 {
		t.Errorf("/stage/a/pos entry = %+v, ok=%v, want revision 1", entry, ok)
	}
	if entry, ok := st.Get("/stage/b/pos"); !ok || entry.Revision != 1 {
		t.Errorf("/stage/b/pos entry = %+v, ok=%v, want revision 1", entry, ok)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-out:
			seen[m.Address] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for fan-out %d", i)
		}
	}
	if !seen["/stage/a/pos"] || !seen["/stage/b/pos"] {
		t.Errorf("fan-out addresses = %v, want both a and b", seen)
	}
}

func TestImmediateBundleAbortsAtomicallyOnCapabilityFailure(t *testing.T) {
	st := store.New()
	subs := subscribe.NewEngine()
	e := NewEngine(st, subs)

	grant := session.Capability{Write: []addr.Pattern{addr.MustCompile("/stage/a/*")}}

	msg := wire.Message{
		Type: wire.TypeBundle,
		Messages: []wire.Message{
			{Type: wire.TypeSet, Address: "/stage/a/pos", Value: wire.FloatValue(1)},
			{Type: wire.TypeSet, Address: "/stage/b/pos", Value: wire.FloatValue(2)}, // outside grant
		},
	}

	_, err := e.Submit(msg, "writer1", nil, grant, session.NewEstimator())
	if !errors.Is(err, ErrCapability) {
		t.Fatalf("Submit err = %v, want ErrCapability", err)
	}

	if _, ok := st.Get("/stage/a/pos"); ok {
		t.Error("/stage/a/pos should not have been written — bundle must abort atomically")
	}
}

func TestScheduledBundleOutOfTolerance(t *testing.T) {
	st := store.New()
	subs := subscribe.NewEngine()
	e := NewEngine(st, subs)
	e.Now = func() int64 { return 10_000_000 }

	clock := session.NewEstimator() // offset 0

	msg := wire.Message{
		Type:   wire.TypeBundle,
		TimeUs: 1_000_000, // far in the past relative to Now()
		Messages: []wire.Message{
			{Type: wire.TypeSet, Address: "/a", Value: wire.FloatValue(1)},
		},
	}

	_, err := e.Submit(msg, "writer1", nil, fullGrant(), clock)
	if !errors.Is(err, ErrOutOfTolerance) {
		t.Fatalf("Submit err = %v, want ErrOutOfTolerance", err)
	}
}

func TestScheduledBundleFiresAsynchronously(t *testing.T) {
	st := store.New()
	subs := subscribe.NewEngine()
	e := NewEngine(st, subs)

	baseNow := int64(10_000_000)
	e.Now = func() int64 { return baseNow }
	clock := session.NewEstimator() // offset 0

	out := make(chan wire.Message, 2)
	msg := wire.Message{
		Type:          wire.TypeBundle,
		TimeUs:        baseNow + 20_000, // 20ms in the future
		CorrelationID: "bundle-1",
		Messages: []wire.Message{
			{Type: wire.TypeSet, Address: "/a", Value: wire.FloatValue(42)},
		},
	}

	ack, err := e.Submit(msg, "writer1", out, fullGrant(), clock)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack != nil {
		t.Fatalf("Submit ack = %v, want nil (async)", ack)
	}
	if e.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", e.Pending())
	}

	select {
	case m := <-out:
		if m.Type != wire.TypeAck || m.CorrelationID != "bundle-1" {
			t.Errorf("fired ack = %+v, want TypeAck/bundle-1", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduled bundle to fire")
	}

	if entry, ok := st.Get("/a"); !ok || entry.Value.AsFloat64() != 42 {
		t.Errorf("/a entry = %+v, ok=%v, want value 42", entry, ok)
	}
}

func TestSubmitGeneratesCorrelationIDWhenMissing(t *testing.T) {
	st := store.New()
	subs := subscribe.NewEngine()
	e := NewEngine(st, subs)

	msg := wire.Message{
		Type: wire.TypeBundle,
		Messages: []wire.Message{
			{Type: wire.TypeSet, Address: "/a", Value: wire.FloatValue(1)},
		},
	}
	ack, err := e.Submit(msg, "writer1", nil, fullGrant(), session.NewEstimator())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.CorrelationID == "" {
		t.Error("ack.CorrelationID is empty, want a generated id")
	}
}
