package osc

import (
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Address: "/stage/a/pos",
		Args: []Arg{
			{Tag: 'f', Float: 1.5},
			{Tag: 'i', Int: 42},
			{Tag: 's', Str: "hello"},
			{Tag: 'b', Blob: []byte{1, 2, 3}},
		},
	}
	encoded, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if len(encoded)%4 != 0 {
		t.Fatalf("encoded length %d is not 4-byte aligned", len(encoded))
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if decoded.Address != msg.Address {
		t.Errorf("Address = %q, want %q", decoded.Address, msg.Address)
	}
	if !reflect.DeepEqual(decoded.Args, msg.Args) {
		t.Errorf("Args = %+v, want %+v", decoded.Args, msg.Args)
	}
}

func TestMessageRoundTripBooleans(t *testing.T) {
	msg := Message{
		Address: "/gate",
		Args: []Arg{
			{Tag: 'T', Bool: true},
			{Tag: 'F', Bool: false},
		},
	}
	encoded, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if !reflect.DeepEqual(decoded.Args, msg.Args) {
		t.Errorf("Args = %+v, want %+v", decoded.Args, msg.Args)
	}
}

func TestDecodePacketPlainMessage(t *testing.T) {
	msg := Message{Address: "/a", Args: []Arg{{Tag: 'i', Int: 7}}}
	encoded, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	bdl, err := DecodePacket(encoded)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if bdl.TimeUs != 0 {
		t.Errorf("TimeUs = %d, want 0 for a plain message", bdl.TimeUs)
	}
	if len(bdl.Elements) != 1 {
		t.Fatalf("Elements len = %d, want 1", len(bdl.Elements))
	}
	got, err := DecodeMessage(bdl.Elements[0])
	if err != nil {
		t.Fatalf("DecodeMessage(element): %v", err)
	}
	if got.Address != "/a" {
		t.Errorf("Address = %q, want /a", got.Address)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	m1, _ := EncodeMessage(Message{Address: "/a", Args: []Arg{{Tag: 'i', Int: 1}}})
	m2, _ := EncodeMessage(Message{Address: "/b", Args: []Arg{{Tag: 'i', Int: 2}}})

	const timeUs = int64(1_700_000_000_123_456)
	bundle := EncodeBundle(timeUs, [][]byte{m1, m2})

	if !IsBundle(bundle) {
		t.Fatal("IsBundle = false, want true")
	}

	decoded, err := DecodePacket(bundle)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if len(decoded.Elements) != 2 {
		t.Fatalf("Elements len = %d, want 2", len(decoded.Elements))
	}

	// NTP fraction precision is roughly microsecond-level; allow a
	// small round-trip tolerance.
	delta := decoded.TimeUs - timeUs
	if delta < -1 || delta > 1 {
		t.Errorf("TimeUs = %d, want ~%d (delta %d)", decoded.TimeUs, timeUs, delta)
	}

	first, err := DecodeMessage(decoded.Elements[0])
	if err != nil {
		t.Fatalf("DecodeMessage(elements[0]): %v", err)
	}
	if first.Address != "/a" {
		t.Errorf("Elements[0].Address = %q, want /a", first.Address)
	}
}

func TestDecodeMessageRejectsMissingCommaPrefix(t *testing.T) {
	encoded, _ := EncodeMessage(Message{Address: "/a"})
	// Corrupt the type tag string's leading comma.
	for i, b := range encoded {
		if b == ',' {
			encoded[i] = 'x'
			break
		}
	}
	if _, err := DecodeMessage(encoded); err == nil {
		t.Fatal("DecodeMessage err = nil, want an error for a missing ',' tag prefix")
	}
}
