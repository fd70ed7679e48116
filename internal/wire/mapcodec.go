package wire

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// Map-style payload encoding (encoding A): a MessagePack map whose
// "type" entry names the message, e.g. {"type":"PUBLISH","address":...}.
// This is the legacy encoding kept for clients that predate the
// tagged-binary format (spec.md Open Question: decodable indefinitely).
// Field names are snake_case to match the wire names used by existing
// bridges and browser clients.

var typeNames = map[MessageType]string{
	TypeHello:       "HELLO",
	TypeWelcome:     "WELCOME",
	TypeAnnounce:    "ANNOUNCE",
	TypeSubscribe:   "SUBSCRIBE",
	TypeUnsubscribe: "UNSUBSCRIBE",
	TypePublish:     "PUBLISH",
	TypeSet:         "SET",
	TypeGet:         "GET",
	TypeSnapshot:    "SNAPSHOT",
	TypeBundle:      "BUNDLE",
	TypeSync:        "SYNC",
	TypePing:        "PING",
	TypePong:        "PONG",
	TypeAck:         "ACK",
	TypeError:       "ERROR",
	TypeQuery:       "QUERY",
	TypeResult:      "RESULT",
}

var nameToType = func() map[string]MessageType {
	m := make(map[string]MessageType, len(typeNames))
	for k, v := range typeNames {
		m[v] = k
	}
	return m
}()

var msgpackHandle = &codec.MsgpackHandle{}

// EncodeMap serializes m's payload using the legacy map-style encoding
// (encoding A, MessagePack).
func EncodeMap(m Message) ([]byte, error) {
	name, ok := typeNames[m.Type]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, m.Type)
	}
	fields := messageToFields(m)
	fields["type"] = name

	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(fields); err != nil {
		return nil, fmt.Errorf("wire: msgpack encode: %w", err)
	}
	return buf, nil
}

// DecodeMap parses a map-style payload (encoding A) into a Message.
func DecodeMap(payload []byte) (Message, error) {
	var fields map[string]interface{}
	dec := codec.NewDecoderBytes(payload, msgpackHandle)
	if err := dec.Decode(&fields); err != nil {
		return Message{}, fmt.Errorf("wire: msgpack decode: %w", err)
	}

	name, _ := fields["type"].(string)
	typ, ok := nameToType[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return fieldsToMessage(typ, fields)
}

func messageToFields(m Message) map[string]interface{} {
	f := map[string]interface{}{}
	switch m.Type {
	case TypeHello:
		f["version"] = m.Version
		f["name"] = m.Name
		f["features"] = m.Features
		f["token"] = m.Token
	case TypeWelcome:
		f["version"] = m.Version
		f["session"] = m.Session
		f["name"] = m.Name
		f["features"] = m.Features
		f["time_us"] = m.TimeUs
	case TypeAnnounce:
		f["name"] = m.Name
		f["version"] = m.Version
		f["token"] = m.Token
	case TypeSubscribe:
		f["sub_id"] = m.SubID
		f["pattern"] = m.Pattern
		types := make([]int, len(m.Types))
		for i, t := range m.Types {
			types[i] = int(t)
		}
		f["types"] = types
		f["max_rate"] = m.Options.MaxRate
		f["epsilon"] = m.Options.Epsilon
		f["history"] = m.Options.History
		f["window_us"] = m.Options.WindowUs
	case TypeUnsubscribe:
		f["sub_id"] = m.SubID
	case TypeSet:
		f["qos"] = int(m.QoS)
		f["address"] = m.Address
		f["value"] = valueToNative(m.Value)
		if m.Revision != nil {
			f["revision"] = *m.Revision
		}
		f["lock"] = m.Lock
		f["unlock"] = m.Unlock
	case TypeGet:
		f["address"] = m.Address
	case TypeSnapshot:
		params := make([]map[string]interface{}, len(m.Params))
		for i, p := range m.Params {
			params[i] = map[string]interface{}{
				"address":  p.Address,
				"value":    valueToNative(p.Value),
				"revision": p.Revision,
			}
		}
		f["params"] = params
	case TypePublish:
		f["qos"] = int(m.QoS)
		f["address"] = m.Address
		f["signal"] = int(m.Signal)
		f["value"] = valueToNative(m.Value)
		f["time_us"] = m.TimeUs
		f["gesture_id"] = m.GestureID
		f["phase"] = int(m.Phase)
		samples := make([]interface{}, len(m.Samples))
		for i, s := range m.Samples {
			samples[i] = valueToNative(s)
		}
		f["samples"] = samples
	case TypeBundle:
		f["qos"] = int(m.QoS)
		f["time_us"] = m.TimeUs
		msgs := make([]map[string]interface{}, len(m.Messages))
		for i, sub := range m.Messages {
			sf := messageToFields(sub)
			sf["type"] = typeNames[sub.Type]
			msgs[i] = sf
		}
		f["messages"] = msgs
	case TypeSync:
		f["t1"] = m.T1
		f["t2"] = m.T2
		f["t3"] = m.T3
	case TypePing, TypePong:
		f["time_us"] = m.TimeUs
	case TypeAck:
		f["correlation_id"] = m.CorrelationID
		f["address"] = m.Address
		if m.Revision != nil {
			f["revision"] = *m.Revision
		}
	case TypeError:
		f["code"] = m.Code
		f["message"] = m.ErrMessage
		f["address"] = m.Address
		f["correlation_id"] = m.CorrelationID
	case TypeQuery:
		f["pattern"] = m.Pattern
	case TypeResult:
		f["results"] = m.Results
	}
	return f
}

func fieldsToMessage(typ MessageType, f map[string]interface{}) (Message, error) {
	m := Message{Type: typ}
	var err error

	switch typ {
	case TypeHello:
		m.Version = fieldUint8(f["version"])
		m.Name, _ = f["name"].(string)
		m.Features = fieldStrings(f["features"])
		m.Token, _ = f["token"].(string)
	case TypeWelcome:
		m.Version = fieldUint8(f["version"])
		m.Session, _ = f["session"].(string)
		m.Name, _ = f["name"].(string)
		m.Features = fieldStrings(f["features"])
		m.TimeUs = fieldInt64(f["time_us"])
	case TypeAnnounce:
		m.Name, _ = f["name"].(string)
		m.Version = fieldUint8(f["version"])
		m.Token, _ = f["token"].(string)
	case TypeSubscribe:
		m.SubID, _ = f["sub_id"].(string)
		m.Pattern, _ = f["pattern"].(string)
		for _, t := range fieldSlice(f["types"]) {
			m.Types = append(m.Types, SignalKind(fieldInt64(t)))
		}
		m.Options.MaxRate = fieldFloat64(f["max_rate"])
		m.Options.Epsilon = fieldFloat64(f["epsilon"])
		m.Options.History = int(fieldInt64(f["history"]))
		m.Options.WindowUs = fieldInt64(f["window_us"])
	case TypeUnsubscribe:
		m.SubID, _ = f["sub_id"].(string)
	case TypeSet:
		m.QoS = QoS(fieldInt64(f["qos"]))
		m.Address, _ = f["address"].(string)
		if m.Value, err = nativeToValue(f["value"]); err != nil {
			return m, err
		}
		if rv, ok := f["revision"]; ok {
			u := uint64(fieldInt64(rv))
			m.Revision = &u
		}
		m.Lock, _ = f["lock"].(bool)
		m.Unlock, _ = f["unlock"].(bool)
	case TypeGet:
		m.Address, _ = f["address"].(string)
	case TypeSnapshot:
		for _, pv := range fieldSlice(f["params"]) {
			pm, ok := pv.(map[string]interface{})
			if !ok {
				continue
			}
			val, err := nativeToValue(pm["value"])
			if err != nil {
				return m, err
			}
			addr, _ := pm["address"].(string)
			m.Params = append(m.Params, ParamEntry{
				Address:  addr,
				Value:    val,
				Revision: uint64(fieldInt64(pm["revision"])),
			})
		}
	case TypePublish:
		m.QoS = QoS(fieldInt64(f["qos"]))
		m.Address, _ = f["address"].(string)
		m.Signal = SignalKind(fieldInt64(f["signal"]))
		if m.Value, err = nativeToValue(f["value"]); err != nil {
			return m, err
		}
		m.TimeUs = fieldInt64(f["time_us"])
		m.GestureID, _ = f["gesture_id"].(string)
		m.Phase = GesturePhase(fieldInt64(f["phase"]))
		for _, sv := range fieldSlice(f["samples"]) {
			v, err := nativeToValue(sv)
			if err != nil {
				return m, err
			}
			m.Samples = append(m.Samples, v)
		}
	case TypeBundle:
		m.QoS = QoS(fieldInt64(f["qos"]))
		m.TimeUs = fieldInt64(f["time_us"])
		for _, sv := range fieldSlice(f["messages"]) {
			sf, ok := sv.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := sf["type"].(string)
			subType, ok := nameToType[name]
			if !ok {
				return m, fmt.Errorf("%w: %q", ErrUnknownKind, name)
			}
			sub, err := fieldsToMessage(subType, sf)
			if err != nil {
				return m, err
			}
			m.Messages = append(m.Messages, sub)
		}
	case TypeSync:
		m.T1 = fieldInt64(f["t1"])
		m.T2 = fieldInt64(f["t2"])
		m.T3 = fieldInt64(f["t3"])
	case TypePing, TypePong:
		m.TimeUs = fieldInt64(f["time_us"])
	case TypeAck:
		m.CorrelationID, _ = f["correlation_id"].(string)
		m.Address, _ = f["address"].(string)
		if rv, ok := f["revision"]; ok {
			u := uint64(fieldInt64(rv))
			m.Revision = &u
		}
	case TypeError:
		m.Code = int(fieldInt64(f["code"]))
		m.ErrMessage, _ = f["message"].(string)
		m.Address, _ = f["address"].(string)
		m.CorrelationID, _ = f["correlation_id"].(string)
	case TypeQuery:
		m.Pattern, _ = f["pattern"].(string)
	case TypeResult:
		m.Results = fieldStrings(f["results"])
	default:
		return m, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, typ)
	}

	return m, nil
}

// --- native <-> Value conversion ---

const extNativeKey = "__ext__"

func valueToNative(v Value) interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return v.Int
	case KindFloat32, KindFloat64:
		return v.Float
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindArray:
		out := make([]interface{}, len(v.Array))
		for i, e := range v.Array {
			out[i] = valueToNative(e)
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, e := range v.Map {
			out[k] = valueToNative(e)
		}
		return out
	default:
		if shape := v.ExtensionShape(); shape != "" {
			return map[string]interface{}{extNativeKey: shape, "data": v.Bytes}
		}
		return nil
	}
}

func nativeToValue(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case []byte:
		return BytesValue(t), nil
	case int64:
		return IntValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case float64:
		return FloatValue(t), nil
	case float32:
		return FloatValue(float64(t)), nil
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			v, err := nativeToValue(e)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return ArrayValue(arr), nil
	case map[string]interface{}:
		if shape, ok := t[extNativeKey].(string); ok {
			data, _ := t["data"].([]byte)
			return ExtensionValue(shape, data)
		}
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := nativeToValue(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return MapValue(m), nil
	default:
		return Value{}, fmt.Errorf("wire: unsupported msgpack native type %T", x)
	}
}

// --- field decode helpers (msgpack decodes numbers as int64/uint64/float64
// depending on handle settings; these normalize across that) ---

func fieldUint8(x interface{}) uint8 { return uint8(fieldInt64(x)) }

func fieldInt64(x interface{}) int64 {
	switch t := x.(type) {
	case int64:
		return t
	case uint64:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case *uint64:
		if t != nil {
			return int64(*t)
		}
	}
	return 0
}

func fieldFloat64(x interface{}) float64 {
	switch t := x.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	}
	return 0
}

func fieldStrings(x interface{}) []string {
	s := fieldSlice(x)
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s))
	for _, e := range s {
		if str, ok := e.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func fieldSlice(x interface{}) []interface{} {
	s, ok := x.([]interface{})
	if ok {
		return s
	}
	return nil
}
