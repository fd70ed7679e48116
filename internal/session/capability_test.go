package session

import "testing"

func TestCapabilityCanReadWrite(t *testing.T) {
	st, err := NewStaticTokens(map[string]struct{ Read, Write []string }{
		"tok-a": {Read: []string{"/studio/**"}, Write: []string{"/studio/*/fader"}},
	})
	if err != nil {
		t.Fatalf("NewStaticTokens: %v", err)
	}

	grant, err := st.Resolve("tok-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !grant.CanRead("/studio/console1/anything") {
		t.Error("CanRead under /studio/** should be true")
	}
	if !grant.CanWrite("/studio/console1/fader") {
		t.Error("CanWrite under /studio/*/fader should be true")
	}
	if grant.CanWrite("/studio/console1/knob") {
		t.Error("CanWrite outside the write set should be false")
	}
	if grant.CanRead("/stage/pos") {
		t.Error("CanRead outside the read set should be false")
	}
}

func TestResolveUnknownToken(t *testing.T) {
	st, err := NewStaticTokens(nil)
	if err != nil {
		t.Fatalf("NewStaticTokens: %v", err)
	}
	if _, err := st.Resolve("nope"); err == nil {
		t.Error("Resolve(unknown token) should error")
	}
}

func TestResolveEmptyTokenDefault(t *testing.T) {
	st, err := NewStaticTokens(nil)
	if err != nil {
		t.Fatalf("NewStaticTokens: %v", err)
	}
	if _, err := st.Resolve(""); err == nil {
		t.Error("Resolve(\"\") without a configured default should error")
	}
	if err := st.SetDefault([]string{"/**"}, []string{"/**"}); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	grant, err := st.Resolve("")
	if err != nil {
		t.Fatalf("Resolve(\"\") after SetDefault: %v", err)
	}
	if !grant.CanRead("/anything") {
		t.Error("default capability should allow read under /**")
	}
}
