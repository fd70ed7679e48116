package wire

// Auto-discrimination between the two payload encodings (spec.md §4.2):
// tagged-binary payloads begin with a MessageType byte, all of which
// fall in 0x01-0x61. Map-style (MessagePack) payloads always begin
// with a map header byte: fixmap is 0x80-0x8f, map16 is 0xde, map32 is
// 0xdf. The two ranges are disjoint, so the first payload byte alone
// decides the encoding.

func sniffEncoding(payload []byte) Encoding {
	if len(payload) == 0 {
		return EncodingBinary
	}
	b := payload[0]
	if b >= 0x80 {
		return EncodingMap
	}
	return EncodingBinary
}

// DecodePayload decodes a payload using the encoding recorded in hint,
// falling back to content sniffing when hint doesn't match (defensive
// against a sender that mismarks its flags byte).
func DecodePayload(hint Encoding, payload []byte) (Message, error) {
	enc := hint
	if len(payload) > 0 {
		sniffed := sniffEncoding(payload)
		if sniffed != hint {
			enc = sniffed
		}
	}
	switch enc {
	case EncodingMap:
		return DecodeMap(payload)
	default:
		return DecodeBinary(payload)
	}
}

// EncodePayload serializes m using the requested encoding.
func EncodePayload(enc Encoding, m Message) ([]byte, error) {
	switch enc {
	case EncodingMap:
		return EncodeMap(m)
	default:
		return EncodeBinary(m), nil
	}
}

// Encode builds a complete wire frame for m: payload encode plus frame
// header. qos and timestampUs are carried in the frame flags/header;
// timestampUs of 0 omits the timestamp field unless forceTS is set.
func Encode(m Message, enc Encoding, qos QoS, timestampUs int64, forceTS bool) ([]byte, error) {
	payload, err := EncodePayload(enc, m)
	if err != nil {
		return nil, err
	}
	flags := Flags{QoS: qos, Encoding: enc, HasTS: forceTS || timestampUs != 0}
	return EncodeFrame(flags, timestampUs, payload)
}

// Decode decodes exactly one complete frame from the start of buf and
// returns the parsed Message, frame QoS, and total bytes consumed.
func Decode(buf []byte) (Message, QoS, int, error) {
	fr, n, err := DecodeFrame(buf)
	if err != nil {
		return Message{}, 0, 0, err
	}
	m, err := DecodePayload(fr.Flags.Encoding, fr.Payload)
	if err != nil {
		return Message{}, 0, 0, err
	}
	if fr.Flags.HasTS && m.TimeUs == 0 {
		m.TimeUs = fr.TimestampUs
	}
	return m, fr.Flags.QoS, n, nil
}
