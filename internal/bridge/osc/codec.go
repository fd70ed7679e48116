// Package osc implements the bridge.Driver for Open Sound Control 1.0
// over UDP: a hand-rolled packet/bundle codec (no OSC library appears
// anywhere in the retrieval corpus — see DESIGN.md) plus the driver
// that maps OSC addresses onto CLASP addresses and OSC argument lists
// onto wire.Value.
package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01), used to convert OSC
// bundle timetags to CLASP's microseconds-since-Unix-epoch timestamps.
const ntpEpochOffset = 2208988800

// pad4 returns n rounded up to the next multiple of 4 — every OSC
// string and blob field is padded with NUL bytes to a 4-byte boundary.
func pad4(n int) int {
	return (n + 3) &^ 3
}

func putOSCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func readOSCString(data []byte) (string, int, error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return "", 0, fmt.Errorf("osc: unterminated string")
	}
	n := pad4(nul + 1)
	if n > len(data) {
		return "", 0, fmt.Errorf("osc: truncated string padding")
	}
	return string(data[:nul]), n, nil
}

// Arg is one typed OSC argument. Only one of the fields is meaningful,
// selected by Tag ('i' int32, 'f' float32, 's' string, 'b' blob, 'T'/'F'
// boolean — true/false carry no argument-data bytes, only the typetag).
type Arg struct {
	Tag   byte
	Int   int32
	Float float32
	Str   string
	Blob  []byte
	Bool  bool
}

// Message is a decoded OSC message: an address pattern plus its
// arguments, in tag-string order.
type Message struct {
	Address string
	Args    []Arg
}

// EncodeMessage serializes an OSC message.
func EncodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	putOSCString(&buf, m.Address)

	var tags bytes.Buffer
	tags.WriteByte(',')
	for _, a := range m.Args {
		tags.WriteByte(a.Tag)
	}
	putOSCString(&buf, tags.String())

	for _, a := range m.Args {
		switch a.Tag {
		case 'i':
			binary.Write(&buf, binary.BigEndian, a.Int)
		case 'f':
			binary.Write(&buf, binary.BigEndian, math.Float32bits(a.Float))
		case 's':
			putOSCString(&buf, a.Str)
		case 'b':
			binary.Write(&buf, binary.BigEndian, int32(len(a.Blob)))
			buf.Write(a.Blob)
			for buf.Len()%4 != 0 {
				buf.WriteByte(0)
			}
		case 'T', 'F':
			// boolean args carry no data, only the typetag.
		default:
			return nil, fmt.Errorf("osc: unsupported argument tag %q", a.Tag)
		}
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses an OSC message from data (not a bundle — callers
// dispatch on the "#bundle\x00" prefix via DecodePacket).
func DecodeMessage(data []byte) (Message, error) {
	addr, n, err := readOSCString(data)
	if err != nil {
		return Message{}, fmt.Errorf("osc: address: %w", err)
	}
	data = data[n:]

	tagStr, n, err := readOSCString(data)
	if err != nil {
		return Message{}, fmt.Errorf("osc: type tags: %w", err)
	}
	data = data[n:]
	if len(tagStr) == 0 || tagStr[0] != ',' {
		return Message{}, fmt.Errorf("osc: type tag string must start with ','")
	}
	tags := tagStr[1:]

	args := make([]Arg, 0, len(tags))
	for _, tag := range []byte(tags) {
		switch tag {
		case 'i':
			if len(data) < 4 {
				return Message{}, fmt.Errorf("osc: truncated int32 argument")
			}
			args = append(args, Arg{Tag: 'i', Int: int32(binary.BigEndian.Uint32(data[:4]))})
			data = data[4:]
		case 'f':
			if len(data) < 4 {
				return Message{}, fmt.Errorf("osc: truncated float32 argument")
			}
			args = append(args, Arg{Tag: 'f', Float: math.Float32frombits(binary.BigEndian.Uint32(data[:4]))})
			data = data[4:]
		case 's':
			s, n, err := readOSCString(data)
			if err != nil {
				return Message{}, fmt.Errorf("osc: string argument: %w", err)
			}
			args = append(args, Arg{Tag: 's', Str: s})
			data = data[n:]
		case 'b':
			if len(data) < 4 {
				return Message{}, fmt.Errorf("osc: truncated blob length")
			}
			blen := int(int32(binary.BigEndian.Uint32(data[:4])))
			data = data[4:]
			if blen < 0 || blen > len(data) {
				return Message{}, fmt.Errorf("osc: truncated blob body")
			}
			blob := append([]byte(nil), data[:blen]...)
			args = append(args, Arg{Tag: 'b', Blob: blob})
			data = data[pad4(blen):]
		case 'T':
			args = append(args, Arg{Tag: 'T', Bool: true})
		case 'F':
			args = append(args, Arg{Tag: 'F', Bool: false})
		default:
			return Message{}, fmt.Errorf("osc: unsupported argument tag %q", tag)
		}
	}
	return Message{Address: addr, Args: args}, nil
}

// Bundle is a decoded OSC bundle: a common timetag plus a sequence of
// nested element packets (each itself a Message or Bundle).
type Bundle struct {
	TimeUs   int64 // converted from the OSC NTP timetag
	Elements [][]byte
}

// EncodeBundle serializes a bundle from already-encoded element
// packets (the caller builds each element with EncodeMessage first).
func EncodeBundle(timeUs int64, elements [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("#bundle")
	buf.WriteByte(0)

	sec, frac := toNTP(timeUs)
	binary.Write(&buf, binary.BigEndian, sec)
	binary.Write(&buf, binary.BigEndian, frac)

	for _, el := range elements {
		binary.Write(&buf, binary.BigEndian, int32(len(el)))
		buf.Write(el)
	}
	return buf.Bytes()
}

func toNTP(timeUs int64) (sec, frac uint32) {
	unixSec := timeUs / 1_000_000
	remainderUs := timeUs % 1_000_000
	sec = uint32(unixSec + ntpEpochOffset)
	frac = uint32((remainderUs * (1 << 32)) / 1_000_000)
	return sec, frac
}

func fromNTP(sec, frac uint32) int64 {
	unixSec := int64(sec) - ntpEpochOffset
	fracUs := (int64(frac) * 1_000_000) / (1 << 32)
	return unixSec*1_000_000 + fracUs
}

// IsBundle reports whether data begins with the OSC bundle marker.
func IsBundle(data []byte) bool {
	return bytes.HasPrefix(data, []byte("#bundle\x00"))
}

// DecodePacket parses either a single OSC message or a bundle,
// dispatching on the "#bundle\x00" prefix (spec.md: "OSC bundle→CLASP
// bundle with matching timestamp"). A plain message is returned as a
// one-element Bundle with TimeUs 0 (immediate) so callers have a
// single shape to iterate.
func DecodePacket(data []byte) (Bundle, error) {
	if !IsBundle(data) {
		msg, err := DecodeMessage(data)
		if err != nil {
			return Bundle{}, err
		}
		encoded, err := EncodeMessage(msg)
		if err != nil {
			return Bundle{}, err
		}
		return Bundle{Elements: [][]byte{encoded}}, nil
	}

	data = data[8:] // "#bundle\x00"
	if len(data) < 8 {
		return Bundle{}, fmt.Errorf("osc: truncated bundle timetag")
	}
	sec := binary.BigEndian.Uint32(data[:4])
	frac := binary.BigEndian.Uint32(data[4:8])
	data = data[8:]

	var elements [][]byte
	for len(data) > 0 {
		if len(data) < 4 {
			return Bundle{}, fmt.Errorf("osc: truncated bundle element size")
		}
		size := int(int32(binary.BigEndian.Uint32(data[:4])))
		data = data[4:]
		if size < 0 || size > len(data) {
			return Bundle{}, fmt.Errorf("osc: truncated bundle element")
		}
		elements = append(elements, data[:size])
		data = data[size:]
	}

	return Bundle{TimeUs: fromNTP(sec, frac), Elements: elements}, nil
}
