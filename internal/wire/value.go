// Package wire implements the CLASP binary frame format and the two
// payload encodings (map-style MessagePack and tagged-binary) described
// by the protocol. It has no knowledge of sessions, routing, or state —
// only bytes in, typed messages out, and back.
package wire

import "fmt"

// ValueKind identifies the shape of a Value.
type ValueKind uint8

// Value-type codes. 0x00-0x0b are fixed by the wire protocol
// (tagged-binary encoding); 0x0c+ are this implementation's private
// extension-shape codes (vec2/3/4, mat3/4, rgba) — the protocol only
// requires that extension shapes round-trip as sized byte runs, not a
// specific code per shape, so these values never need to match another
// CLASP implementation byte-for-byte to interoperate on core semantics.
const (
	KindNull    ValueKind = 0x00
	KindBool    ValueKind = 0x01
	KindInt8    ValueKind = 0x02
	KindInt16   ValueKind = 0x03
	KindInt32   ValueKind = 0x04
	KindInt64   ValueKind = 0x05
	KindFloat32 ValueKind = 0x06
	KindFloat64 ValueKind = 0x07
	KindString  ValueKind = 0x08
	KindBytes   ValueKind = 0x09
	KindArray   ValueKind = 0x0a
	KindMap     ValueKind = 0x0b

	KindVec2 ValueKind = 0x0c
	KindVec3 ValueKind = 0x0d
	KindVec4 ValueKind = 0x0e
	KindMat3 ValueKind = 0x0f
	KindMat4 ValueKind = 0x10
	KindRGBA ValueKind = 0x11
)

// Extension shape names, used by map-style encoding (where the shape is
// named rather than coded) and by config/log output.
const (
	ExtVec2 = "vec2"
	ExtVec3 = "vec3"
	ExtVec4 = "vec4"
	ExtMat3 = "mat3"
	ExtMat4 = "mat4"
	ExtRGBA = "rgba"
)

var extKindByName = map[string]ValueKind{
	ExtVec2: KindVec2, ExtVec3: KindVec3, ExtVec4: KindVec4,
	ExtMat3: KindMat3, ExtMat4: KindMat4, ExtRGBA: KindRGBA,
}

var extNameByKind = map[ValueKind]string{
	KindVec2: ExtVec2, KindVec3: ExtVec3, KindVec4: ExtVec4,
	KindMat3: ExtMat3, KindMat4: ExtMat4, KindRGBA: ExtRGBA,
}

// extSizes gives the byte length of each extension shape, assuming
// 32-bit float components (the only width the router round-trips).
var extSizes = map[ValueKind]int{
	KindVec2: 2 * 4,
	KindVec3: 3 * 4,
	KindVec4: 4 * 4,
	KindMat3: 9 * 4,
	KindMat4: 16 * 4,
	KindRGBA: 4 * 4,
}

// Value is the tagged union carried by Param/Event/Stream/Gesture/Timeline
// signals. Only one of the typed fields is meaningful at a time,
// selected by Kind.
type Value struct {
	Kind ValueKind

	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Array []Value
	Map   map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps a 64-bit signed integer.
func IntValue(i int64) Value { return Value{Kind: KindInt64, Int: i} }

// FloatValue wraps a 64-bit float.
func FloatValue(f float64) Value { return Value{Kind: KindFloat64, Float: f} }

// StringValue wraps a UTF-8 string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BytesValue wraps a raw byte string.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// ArrayValue wraps a list of values.
func ArrayValue(v []Value) Value { return Value{Kind: KindArray, Array: v} }

// MapValue wraps a keyed map of values.
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// ExtensionValue wraps an opaque typed byte run (vec2/3/4, mat3/4,
// rgba). Returns an error if data does not match the shape's fixed
// size.
func ExtensionValue(shape string, data []byte) (Value, error) {
	kind, ok := extKindByName[shape]
	if !ok {
		return Value{}, fmt.Errorf("wire: unknown extension shape %q", shape)
	}
	if len(data) != extSizes[kind] {
		return Value{}, fmt.Errorf("wire: extension %q expects %d bytes, got %d", shape, extSizes[kind], len(data))
	}
	return Value{Kind: kind, Bytes: data}, nil
}

// IsExtension reports whether v is one of the opaque extension shapes.
func (v Value) IsExtension() bool {
	_, ok := extNameByKind[v.Kind]
	return ok
}

// ExtensionShape returns the shape name for an extension Value, or ""
// if v is not an extension.
func (v Value) ExtensionShape() string { return extNameByKind[v.Kind] }

// IsNumeric reports whether v is a kind the epsilon filter can compare.
func (v Value) IsNumeric() bool {
	switch v.Kind {
	case KindInt8, KindInt16, KindInt32, KindInt64, KindFloat32, KindFloat64:
		return true
	default:
		return false
	}
}

// AsFloat64 returns v's numeric value as a float64. Only valid when
// IsNumeric reports true.
func (v Value) AsFloat64() float64 {
	switch v.Kind {
	case KindFloat32, KindFloat64:
		return v.Float
	default:
		return float64(v.Int)
	}
}

// Equal reports whether two values are structurally identical.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindString:
		return a.Str == b.Str
	case KindBytes, KindVec2, KindVec3, KindVec4, KindMat3, KindMat4, KindRGBA:
		return string(a.Bytes) == string(b.Bytes)
	case KindArray:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		if a.IsNumeric() {
			return a.AsFloat64() == b.AsFloat64()
		}
		return false
	}
}
