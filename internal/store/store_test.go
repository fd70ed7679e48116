package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nugget/clasp/internal/addr"
	"github.com/nugget/clasp/internal/wire"
)

func TestGetMissing(t *testing.T) {
	s := New()
	if _, ok := s.Get("/missing"); ok {
		t.Error("Get(/missing) ok = true, want false")
	}
}

func TestSetFirstWriteIsRevisionOne(t *testing.T) {
	s := New()
	e, err := s.Set("/a/fader", wire.FloatValue(0.5), SetOptions{Writer: "s1"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if e.Revision != 1 {
		t.Errorf("Revision = %d, want 1", e.Revision)
	}
}

func TestSetBumpsRevision(t *testing.T) {
	s := New()
	mustSet(t, s, "/a/fader", wire.FloatValue(0.1), SetOptions{Writer: "s1"})
	e := mustSet(t, s, "/a/fader", wire.FloatValue(0.2), SetOptions{Writer: "s1"})
	if e.Revision != 2 {
		t.Errorf("Revision = %d, want 2", e.Revision)
	}
	got, ok := s.Get("/a/fader")
	if !ok {
		t.Fatal("Get() ok = false after Set")
	}
	if !wire.Equal(got.Value, wire.FloatValue(0.2)) {
		t.Errorf("Get().Value = %+v, want 0.2", got.Value)
	}
}

func TestRevisionHintConflict(t *testing.T) {
	s := New()
	mustSet(t, s, "/a", wire.IntValue(1), SetOptions{Writer: "s1"})

	bad := uint64(99)
	_, err := s.Set("/a", wire.IntValue(2), SetOptions{Writer: "s1", RevisionHint: &bad})
	if !errors.Is(err, ErrRevisionConflict) {
		t.Errorf("Set with stale hint err = %v, want ErrRevisionConflict", err)
	}

	good := uint64(1)
	if _, err := s.Set("/a", wire.IntValue(2), SetOptions{Writer: "s1", RevisionHint: &good}); err != nil {
		t.Errorf("Set with matching hint: %v", err)
	}
}

func TestLockBlocksOtherWriters(t *testing.T) {
	s := New()
	mustSet(t, s, "/a", wire.IntValue(1), SetOptions{Writer: "s1", Lock: true})

	_, err := s.Set("/a", wire.IntValue(2), SetOptions{Writer: "s2"})
	if !errors.Is(err, ErrLocked) {
		t.Errorf("Set by non-owner err = %v, want ErrLocked", err)
	}

	// The lock holder may continue writing.
	if _, err := s.Set("/a", wire.IntValue(3), SetOptions{Writer: "s1"}); err != nil {
		t.Errorf("Set by lock holder: %v", err)
	}

	// Another session may write once it carries Unlock.
	if _, err := s.Set("/a", wire.IntValue(4), SetOptions{Writer: "s2", Unlock: true}); err != nil {
		t.Errorf("Set with Unlock by non-owner: %v", err)
	}
}

func TestReleaseSessionLocks(t *testing.T) {
	s := New()
	mustSet(t, s, "/a", wire.IntValue(1), SetOptions{Writer: "s1", Lock: true})
	mustSet(t, s, "/b", wire.IntValue(1), SetOptions{Writer: "s1", Lock: true})
	mustSet(t, s, "/c", wire.IntValue(1), SetOptions{Writer: "s2", Lock: true})

	s.ReleaseSessionLocks("s1")

	if _, err := s.Set("/a", wire.IntValue(2), SetOptions{Writer: "s2"}); err != nil {
		t.Errorf("Set /a after release: %v", err)
	}
	if _, err := s.Set("/b", wire.IntValue(2), SetOptions{Writer: "s2"}); err != nil {
		t.Errorf("Set /b after release: %v", err)
	}
	if _, err := s.Set("/c", wire.IntValue(2), SetOptions{Writer: "s3"}); !errors.Is(err, ErrLocked) {
		t.Errorf("Set /c (unreleased session) err = %v, want ErrLocked", err)
	}
}

func TestGetMatchingAndSnapshot(t *testing.T) {
	s := New()
	mustSet(t, s, "/studio/a/fader", wire.FloatValue(0.1), SetOptions{Writer: "s1"})
	mustSet(t, s, "/studio/b/fader", wire.FloatValue(0.2), SetOptions{Writer: "s1"})
	mustSet(t, s, "/stage/pos", wire.IntValue(1), SetOptions{Writer: "s1"})

	pat := addr.MustCompile("/studio/**/fader")
	entries, err := s.GetMatching(pat)
	if err != nil {
		t.Fatalf("GetMatching: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GetMatching returned %d entries, want 2", len(entries))
	}

	snap, err := s.Snapshot(pat)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Type != wire.TypeSnapshot {
		t.Errorf("Snapshot Type = %v, want TypeSnapshot", snap.Type)
	}
	if len(snap.Params) != 2 {
		t.Errorf("Snapshot Params = %d, want 2", len(snap.Params))
	}
}

func TestGetMatchingReturnsInsertionOrder(t *testing.T) {
	s := New()
	var want []string
	for i := 0; i < stripeCount*3; i++ {
		addrStr := fmt.Sprintf("/studio/chan%02d/fader", i)
		mustSet(t, s, addrStr, wire.IntValue(int64(i)), SetOptions{Writer: "s1"})
		want = append(want, addrStr)
	}

	entries, err := s.GetMatching(addr.MustCompile("/studio/**/fader"))
	if err != nil {
		t.Fatalf("GetMatching: %v", err)
	}
	if len(entries) != len(want) {
		t.Fatalf("GetMatching returned %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Address != want[i] {
			t.Fatalf("entries[%d].Address = %q, want %q (insertion order not preserved)", i, e.Address, want[i])
		}
	}

	// A re-write of an existing address must not move it to the back:
	// seq is assigned once, at first write, and carried forward.
	mustSet(t, s, want[0], wire.IntValue(999), SetOptions{Writer: "s1"})
	entries, err = s.GetMatching(addr.MustCompile("/studio/**/fader"))
	if err != nil {
		t.Fatalf("GetMatching (after rewrite): %v", err)
	}
	if entries[0].Address != want[0] {
		t.Fatalf("entries[0].Address = %q after rewrite, want %q", entries[0].Address, want[0])
	}
}

func TestDelete(t *testing.T) {
	s := New()
	mustSet(t, s, "/a", wire.IntValue(1), SetOptions{Writer: "s1"})
	s.delete("/a")
	if _, ok := s.Get("/a"); ok {
		t.Error("Get(/a) ok = true after delete")
	}
}

func mustSet(t *testing.T, s *Store, address string, v wire.Value, opts SetOptions) Entry {
	t.Helper()
	e, err := s.Set(address, v, opts)
	if err != nil {
		t.Fatalf("Set(%q): %v", address, err)
	}
	return e
}
