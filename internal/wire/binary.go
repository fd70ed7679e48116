package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// binWriter is a small append-only byte buffer helper used by the
// tagged-binary encoder. Kept deliberately minimal — this is the one
// payload encoding in the codec that is genuinely core protocol logic
// rather than a library concern (spec.md §4.1 defines its exact byte
// layout), so there is no third-party serializer to reach for here.
type binWriter struct{ buf []byte }

func (w *binWriter) byte(b byte)          { w.buf = append(w.buf, b) }
func (w *binWriter) u16(v uint16)         { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *binWriter) i64(v int64)          { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }
func (w *binWriter) f64(v float64)        { w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v)) }
func (w *binWriter) bytes(b []byte)       { w.u16(uint16(len(b))); w.buf = append(w.buf, b...) }
func (w *binWriter) str(s string)         { w.bytes([]byte(s)) }
func (w *binWriter) bool(b bool) {
	if b {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

type binReader struct {
	buf []byte
	pos int
}

func (r *binReader) remaining() int { return len(r.buf) - r.pos }

func (r *binReader) byteVal() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *binReader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *binReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *binReader) i64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *binReader) f64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (r *binReader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *binReader) boolVal() (bool, error) {
	b, err := r.byteVal()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// --- Value ---

func encodeValue(w *binWriter, v Value) {
	w.byte(byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		w.bool(v.Bool)
	case KindInt8:
		w.byte(byte(int8(v.Int)))
	case KindInt16:
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(int16(v.Int)))
	case KindInt32:
		w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(int32(v.Int)))
	case KindInt64:
		w.i64(v.Int)
	case KindFloat32:
		w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(float32(v.Float)))
	case KindFloat64:
		w.f64(v.Float)
	case KindString:
		w.str(v.Str)
	case KindBytes, KindVec2, KindVec3, KindVec4, KindMat3, KindMat4, KindRGBA:
		w.bytes(v.Bytes)
	case KindArray:
		w.u16(uint16(len(v.Array)))
		for _, e := range v.Array {
			encodeValue(w, e)
		}
	case KindMap:
		w.u16(uint16(len(v.Map)))
		for k, e := range v.Map {
			w.str(k)
			encodeValue(w, e)
		}
	}
}

func decodeValue(r *binReader) (Value, error) {
	kb, err := r.byteVal()
	if err != nil {
		return Value{}, err
	}
	kind := ValueKind(kb)
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, nil
	case KindBool:
		b, err := r.boolVal()
		return Value{Kind: KindBool, Bool: b}, err
	case KindInt8:
		b, err := r.byteVal()
		return Value{Kind: KindInt8, Int: int64(int8(b))}, err
	case KindInt16:
		raw, err := r.take(2)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindInt16, Int: int64(int16(binary.BigEndian.Uint16(raw)))}, nil
	case KindInt32:
		raw, err := r.take(4)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindInt32, Int: int64(int32(binary.BigEndian.Uint32(raw)))}, nil
	case KindInt64:
		i, err := r.i64()
		return Value{Kind: KindInt64, Int: i}, err
	case KindFloat32:
		raw, err := r.take(4)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindFloat32, Float: float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))}, nil
	case KindFloat64:
		f, err := r.f64()
		return Value{Kind: KindFloat64, Float: f}, err
	case KindString:
		s, err := r.str()
		return Value{Kind: KindString, Str: s}, err
	case KindBytes, KindVec2, KindVec3, KindVec4, KindMat3, KindMat4, KindRGBA:
		n, err := r.u16()
		if err != nil {
			return Value{}, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return Value{}, err
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		return Value{Kind: kind, Bytes: cp}, nil
	case KindArray:
		n, err := r.u16()
		if err != nil {
			return Value{}, err
		}
		arr := make([]Value, 0, n)
		for i := 0; i < int(n); i++ {
			e, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, e)
		}
		return Value{Kind: KindArray, Array: arr}, nil
	case KindMap:
		n, err := r.u16()
		if err != nil {
			return Value{}, err
		}
		m := make(map[string]Value, n)
		for i := 0; i < int(n); i++ {
			k, err := r.str()
			if err != nil {
				return Value{}, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{Kind: KindMap, Map: m}, nil
	default:
		return Value{}, fmt.Errorf("%w: 0x%02x", ErrUnknownValueType, kb)
	}
}

// --- Message ---

// EncodeBinary serializes m's payload using the tagged-binary encoding
// (encoding B). The returned bytes are the payload only — wrap with
// EncodeFrame for a complete wire frame.
func EncodeBinary(m Message) []byte {
	w := &binWriter{}
	w.byte(byte(m.Type))

	switch m.Type {
	case TypeHello:
		w.byte(m.Version)
		w.str(m.Name)
		w.u16(uint16(len(m.Features)))
		for _, f := range m.Features {
			w.str(f)
		}
		w.str(m.Token)
	case TypeWelcome:
		w.byte(m.Version)
		w.str(m.Session)
		w.str(m.Name)
		w.u16(uint16(len(m.Features)))
		for _, f := range m.Features {
			w.str(f)
		}
		w.i64(m.TimeUs)
	case TypeAnnounce:
		w.str(m.Name)
		w.byte(m.Version)
		w.str(m.Token) // carries the ws-port TXT value as a string
	case TypeSubscribe:
		w.str(m.SubID)
		w.str(m.Pattern)
		w.u16(uint16(len(m.Types)))
		for _, t := range m.Types {
			w.byte(byte(t))
		}
		w.f64(m.Options.MaxRate)
		w.f64(m.Options.Epsilon)
		w.u16(uint16(m.Options.History))
		w.i64(m.Options.WindowUs)
	case TypeUnsubscribe:
		w.str(m.SubID)
	case TypeSet:
		w.byte(byte(m.QoS))
		w.str(m.Address)
		encodeValue(w, m.Value)
		if m.Revision != nil {
			w.bool(true)
			w.i64(int64(*m.Revision))
		} else {
			w.bool(false)
		}
		w.bool(m.Lock)
		w.bool(m.Unlock)
	case TypeGet:
		w.str(m.Address)
	case TypeSnapshot:
		w.u16(uint16(len(m.Params)))
		for _, p := range m.Params {
			w.str(p.Address)
			encodeValue(w, p.Value)
			w.i64(int64(p.Revision))
		}
	case TypePublish:
		w.byte(byte(m.QoS))
		w.str(m.Address)
		w.byte(byte(m.Signal))
		encodeValue(w, m.Value)
		w.i64(m.TimeUs)
		w.str(m.GestureID)
		w.byte(byte(m.Phase))
		w.u16(uint16(len(m.Samples)))
		for _, s := range m.Samples {
			encodeValue(w, s)
		}
	case TypeBundle:
		w.byte(byte(m.QoS))
		w.i64(m.TimeUs)
		w.u16(uint16(len(m.Messages)))
		for _, sub := range m.Messages {
			inner := EncodeBinary(sub)
			w.bytes(inner)
		}
	case TypeSync:
		w.i64(m.T1)
		w.i64(m.T2)
		w.i64(m.T3)
	case TypePing, TypePong:
		w.i64(m.TimeUs)
	case TypeAck:
		w.str(m.CorrelationID)
		w.str(m.Address)
		if m.Revision != nil {
			w.bool(true)
			w.i64(int64(*m.Revision))
		} else {
			w.bool(false)
		}
	case TypeError:
		w.u16(uint16(m.Code))
		w.str(m.ErrMessage)
		w.str(m.Address)
		w.str(m.CorrelationID)
	case TypeQuery:
		w.str(m.Pattern)
	case TypeResult:
		w.u16(uint16(len(m.Results)))
		for _, s := range m.Results {
			w.str(s)
		}
	}

	return w.buf
}

// DecodeBinary parses a tagged-binary payload (encoding B) into a
// Message.
func DecodeBinary(payload []byte) (Message, error) {
	r := &binReader{buf: payload}
	tb, err := r.byteVal()
	if err != nil {
		return Message{}, err
	}
	typ := MessageType(tb)
	m := Message{Type: typ}

	switch typ {
	case TypeHello:
		if m.Version, err = r.byteVal(); err != nil {
			return m, err
		}
		if m.Name, err = r.str(); err != nil {
			return m, err
		}
		n, err := r.u16()
		if err != nil {
			return m, err
		}
		for i := 0; i < int(n); i++ {
			f, err := r.str()
			if err != nil {
				return m, err
			}
			m.Features = append(m.Features, f)
		}
		m.Token, err = r.str()
	case TypeWelcome:
		if m.Version, err = r.byteVal(); err != nil {
			return m, err
		}
		if m.Session, err = r.str(); err != nil {
			return m, err
		}
		if m.Name, err = r.str(); err != nil {
			return m, err
		}
		n, err := r.u16()
		if err != nil {
			return m, err
		}
		for i := 0; i < int(n); i++ {
			f, err := r.str()
			if err != nil {
				return m, err
			}
			m.Features = append(m.Features, f)
		}
		m.TimeUs, err = r.i64()
	case TypeAnnounce:
		if m.Name, err = r.str(); err != nil {
			return m, err
		}
		if m.Version, err = r.byteVal(); err != nil {
			return m, err
		}
		m.Token, err = r.str()
	case TypeSubscribe:
		if m.SubID, err = r.str(); err != nil {
			return m, err
		}
		if m.Pattern, err = r.str(); err != nil {
			return m, err
		}
		n, err := r.u16()
		if err != nil {
			return m, err
		}
		for i := 0; i < int(n); i++ {
			b, err := r.byteVal()
			if err != nil {
				return m, err
			}
			m.Types = append(m.Types, SignalKind(b))
		}
		if m.Options.MaxRate, err = r.f64(); err != nil {
			return m, err
		}
		if m.Options.Epsilon, err = r.f64(); err != nil {
			return m, err
		}
		hist, err := r.u16()
		if err != nil {
			return m, err
		}
		m.Options.History = int(hist)
		m.Options.WindowUs, err = r.i64()
	case TypeUnsubscribe:
		m.SubID, err = r.str()
	case TypeSet:
		qb, err := r.byteVal()
		if err != nil {
			return m, err
		}
		m.QoS = QoS(qb)
		if m.Address, err = r.str(); err != nil {
			return m, err
		}
		if m.Value, err = decodeValue(r); err != nil {
			return m, err
		}
		has, err := r.boolVal()
		if err != nil {
			return m, err
		}
		if has {
			rev, err := r.i64()
			if err != nil {
				return m, err
			}
			u := uint64(rev)
			m.Revision = &u
		}
		if m.Lock, err = r.boolVal(); err != nil {
			return m, err
		}
		m.Unlock, err = r.boolVal()
	case TypeGet:
		m.Address, err = r.str()
	case TypeSnapshot:
		n, err := r.u16()
		if err != nil {
			return m, err
		}
		for i := 0; i < int(n); i++ {
			addr, err := r.str()
			if err != nil {
				return m, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return m, err
			}
			rev, err := r.i64()
			if err != nil {
				return m, err
			}
			m.Params = append(m.Params, ParamEntry{Address: addr, Value: v, Revision: uint64(rev)})
		}
	case TypePublish:
		qb, err := r.byteVal()
		if err != nil {
			return m, err
		}
		m.QoS = QoS(qb)
		if m.Address, err = r.str(); err != nil {
			return m, err
		}
		sb, err := r.byteVal()
		if err != nil {
			return m, err
		}
		m.Signal = SignalKind(sb)
		if m.Value, err = decodeValue(r); err != nil {
			return m, err
		}
		if m.TimeUs, err = r.i64(); err != nil {
			return m, err
		}
		if m.GestureID, err = r.str(); err != nil {
			return m, err
		}
		pb, err := r.byteVal()
		if err != nil {
			return m, err
		}
		m.Phase = GesturePhase(pb)
		n, err := r.u16()
		if err != nil {
			return m, err
		}
		for i := 0; i < int(n); i++ {
			v, err := decodeValue(r)
			if err != nil {
				return m, err
			}
			m.Samples = append(m.Samples, v)
		}
	case TypeBundle:
		qb, err := r.byteVal()
		if err != nil {
			return m, err
		}
		m.QoS = QoS(qb)
		if m.TimeUs, err = r.i64(); err != nil {
			return m, err
		}
		n, err := r.u16()
		if err != nil {
			return m, err
		}
		for i := 0; i < int(n); i++ {
			raw, err := r.str2bytes()
			if err != nil {
				return m, err
			}
			sub, err := DecodeBinary(raw)
			if err != nil {
				return m, err
			}
			m.Messages = append(m.Messages, sub)
		}
	case TypeSync:
		if m.T1, err = r.i64(); err != nil {
			return m, err
		}
		if m.T2, err = r.i64(); err != nil {
			return m, err
		}
		m.T3, err = r.i64()
	case TypePing, TypePong:
		m.TimeUs, err = r.i64()
	case TypeAck:
		if m.CorrelationID, err = r.str(); err != nil {
			return m, err
		}
		if m.Address, err = r.str(); err != nil {
			return m, err
		}
		has, err := r.boolVal()
		if err != nil {
			return m, err
		}
		if has {
			rev, err := r.i64()
			if err != nil {
				return m, err
			}
			u := uint64(rev)
			m.Revision = &u
		}
	case TypeError:
		code, err := r.u16()
		if err != nil {
			return m, err
		}
		m.Code = int(code)
		if m.ErrMessage, err = r.str(); err != nil {
			return m, err
		}
		if m.Address, err = r.str(); err != nil {
			return m, err
		}
		m.CorrelationID, err = r.str()
	case TypeQuery:
		m.Pattern, err = r.str()
	case TypeResult:
		n, err := r.u16()
		if err != nil {
			return m, err
		}
		for i := 0; i < int(n); i++ {
			s, err := r.str()
			if err != nil {
				return m, err
			}
			m.Results = append(m.Results, s)
		}
	default:
		return m, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, tb)
	}

	return m, err
}

// str2bytes reads a u16-length-prefixed byte run (used for nested
// bundle sub-messages, which reuse the same bytes() framing as a
// length-prefixed string).
func (r *binReader) str2bytes() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}
