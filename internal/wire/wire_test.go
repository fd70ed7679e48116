package wire

import (
	"testing"
)

func roundTripRev(u uint64) *uint64 { return &u }

func sampleMessages() []Message {
	return []Message{
		{
			Type:     TypeHello,
			Version:  2,
			Name:     "studio-console",
			Features: []string{"bundle", "no-binary"},
			Token:    "tok-abc",
		},
		{
			Type:     TypeWelcome,
			Version:  2,
			Session:  "sess-1",
			Name:     "clasp-router",
			Features: []string{"bundle"},
			TimeUs:   1234567,
		},
		{
			Type:    TypeSubscribe,
			SubID:   "sub-1",
			Pattern: "/studio/**/fader",
			Types:   []SignalKind{SignalParam, SignalStream},
			Options: SubscribeOptions{MaxRate: 30, Epsilon: 0.001, History: 1, WindowUs: 16000},
		},
		{
			Type:     TypeSet,
			QoS:      QoSConfirm,
			Address:  "/studio/a/fader",
			Value:    FloatValue(0.75),
			Revision: roundTripRev(42),
			Lock:     true,
		},
		{
			Type:      TypePublish,
			QoS:       QoSFire,
			Address:   "/stage/performer1/pos",
			Signal:    SignalGesture,
			Value:     mustExt("vec3", make([]byte, 12)),
			TimeUs:    99,
			GestureID: "g-1",
			Phase:     GestureMove,
			Samples:   []Value{IntValue(1), IntValue(2)},
		},
		{
			Type: TypeSnapshot,
			Params: []ParamEntry{
				{Address: "/a", Value: IntValue(1), Revision: 1},
				{Address: "/b", Value: StringValue("hi"), Revision: 2},
			},
		},
		{
			Type: TypeBundle,
			QoS:  QoSCommit,
			TimeUs: 555,
			Messages: []Message{
				{Type: TypeSet, Address: "/x", Value: BoolValue(true)},
				{Type: TypeSet, Address: "/y", Value: BoolValue(false)},
			},
		},
		{Type: TypeSync, T1: 1, T2: 2, T3: 3},
		{Type: TypePing, TimeUs: 7},
		{Type: TypeAck, CorrelationID: "c1", Address: "/a", Revision: roundTripRev(5)},
		{Type: TypeError, Code: 409, ErrMessage: "conflict", Address: "/a", CorrelationID: "c2"},
		{Type: TypeQuery, Pattern: "/studio/*"},
		{Type: TypeResult, Results: []string{"/a", "/b"}},
	}
}

func mustExt(shape string, data []byte) Value {
	v, err := ExtensionValue(shape, data)
	if err != nil {
		panic(err)
	}
	return v
}

func TestBinaryRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		payload := EncodeBinary(m)
		got, err := DecodeBinary(payload)
		if err != nil {
			t.Fatalf("DecodeBinary(%v): %v", m.Type, err)
		}
		if !messagesEqual(m, got) {
			t.Errorf("binary round trip mismatch for %v:\n want %+v\n got  %+v", m.Type, m, got)
		}
	}
}

func TestMapRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		payload, err := EncodeMap(m)
		if err != nil {
			t.Fatalf("EncodeMap(%v): %v", m.Type, err)
		}
		got, err := DecodeMap(payload)
		if err != nil {
			t.Fatalf("DecodeMap(%v): %v", m.Type, err)
		}
		if !messagesEqual(m, got) {
			t.Errorf("map round trip mismatch for %v:\n want %+v\n got  %+v", m.Type, m, got)
		}
	}
}

func TestSniffEncoding(t *testing.T) {
	for _, m := range sampleMessages() {
		bin := EncodeBinary(m)
		if sniffEncoding(bin) != EncodingBinary {
			t.Errorf("sniffEncoding misclassified binary payload for %v", m.Type)
		}
		mp, err := EncodeMap(m)
		if err != nil {
			t.Fatalf("EncodeMap: %v", err)
		}
		if sniffEncoding(mp) != EncodingMap {
			t.Errorf("sniffEncoding misclassified map payload for %v", m.Type)
		}
	}
}

func TestFrameCheckCompleteExactLength(t *testing.T) {
	m := Message{Type: TypeSet, Address: "/a/b", Value: FloatValue(1.5)}
	buf, err := Encode(m, EncodingBinary, QoSFire, 0, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	n, err := CheckComplete(buf)
	if err != nil {
		t.Fatalf("CheckComplete: %v", err)
	}
	if n != len(buf) {
		t.Errorf("CheckComplete = %d, want %d", n, len(buf))
	}

	// Truncated buffer must ask for more, never error.
	for cut := 0; cut < len(buf); cut++ {
		if _, err := CheckComplete(buf[:cut]); err != ErrNeedMore {
			t.Errorf("CheckComplete(truncated to %d) = %v, want ErrNeedMore", cut, err)
		}
	}
}

func TestFrameWithTimestamp(t *testing.T) {
	m := Message{Type: TypePing, TimeUs: 42}
	buf, err := Encode(m, EncodingBinary, QoSFire, 1_700_000_000_000_000, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(buf) {
		t.Errorf("Decode consumed %d, want %d", n, len(buf))
	}
	if got.Type != TypePing {
		t.Errorf("Type = %v, want TypePing", got.Type)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	_, err := CheckComplete([]byte{0x00, 0x00, 0x00, 0x00})
	if err != ErrBadMagic {
		t.Errorf("CheckComplete = %v, want ErrBadMagic", err)
	}
}

func TestEncodeFramePayloadTooLarge(t *testing.T) {
	_, err := EncodeFrame(Flags{}, 0, make([]byte, MaxPayload+1))
	if err == nil {
		t.Error("EncodeFrame: want error for oversize payload, got nil")
	}
}

func TestValueEqualExtension(t *testing.T) {
	a := mustExt("rgba", make([]byte, 16))
	b := mustExt("rgba", make([]byte, 16))
	if !Equal(a, b) {
		t.Error("Equal() = false for identical extension values")
	}
	c := mustExt("vec2", make([]byte, 8))
	if Equal(a, c) {
		t.Error("Equal() = true for differing kinds")
	}
}

// messagesEqual compares the subset of fields each message type
// actually populates; Value comparisons go through wire.Equal so
// numeric width differences introduced by a given codec don't cause
// false mismatches (the map encoding collapses int8/16/32/64 to one
// msgpack integer type, which is expected and harmless).
func messagesEqual(a, b Message) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeHello:
		return a.Version == b.Version && a.Name == b.Name && a.Token == b.Token &&
			stringsEqual(a.Features, b.Features)
	case TypeWelcome:
		return a.Version == b.Version && a.Session == b.Session && a.Name == b.Name &&
			a.TimeUs == b.TimeUs && stringsEqual(a.Features, b.Features)
	case TypeSubscribe:
		if a.SubID != b.SubID || a.Pattern != b.Pattern || len(a.Types) != len(b.Types) {
			return false
		}
		for i := range a.Types {
			if a.Types[i] != b.Types[i] {
				return false
			}
		}
		return a.Options == b.Options
	case TypeSet:
		if a.Address != b.Address || !Equal(a.Value, b.Value) || a.Lock != b.Lock || a.Unlock != b.Unlock {
			return false
		}
		return revEqual(a.Revision, b.Revision)
	case TypePublish:
		if a.Address != b.Address || a.Signal != b.Signal || !Equal(a.Value, b.Value) ||
			a.TimeUs != b.TimeUs || a.GestureID != b.GestureID || a.Phase != b.Phase ||
			len(a.Samples) != len(b.Samples) {
			return false
		}
		for i := range a.Samples {
			if !Equal(a.Samples[i], b.Samples[i]) {
				return false
			}
		}
		return true
	case TypeSnapshot:
		if len(a.Params) != len(b.Params) {
			return false
		}
		for i := range a.Params {
			if a.Params[i].Address != b.Params[i].Address || a.Params[i].Revision != b.Params[i].Revision ||
				!Equal(a.Params[i].Value, b.Params[i].Value) {
				return false
			}
		}
		return true
	case TypeBundle:
		if a.QoS != b.QoS || a.TimeUs != b.TimeUs || len(a.Messages) != len(b.Messages) {
			return false
		}
		for i := range a.Messages {
			if !messagesEqual(a.Messages[i], b.Messages[i]) {
				return false
			}
		}
		return true
	case TypeSync:
		return a.T1 == b.T1 && a.T2 == b.T2 && a.T3 == b.T3
	case TypePing, TypePong:
		return a.TimeUs == b.TimeUs
	case TypeAck:
		return a.CorrelationID == b.CorrelationID && a.Address == b.Address && revEqual(a.Revision, b.Revision)
	case TypeError:
		return a.Code == b.Code && a.ErrMessage == b.ErrMessage && a.Address == b.Address && a.CorrelationID == b.CorrelationID
	case TypeQuery:
		return a.Pattern == b.Pattern
	case TypeResult:
		return stringsEqual(a.Results, b.Results)
	default:
		return true
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func revEqual(a, b *uint64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}
