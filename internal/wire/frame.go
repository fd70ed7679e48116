package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header layout (spec.md §4.1):
//
//	byte 0:    magic 0x53
//	byte 1:    flags [qos:2][has_ts:1][enc:1][cmp:1][version:3]
//	bytes 2-3: payload length, u16 big-endian
//	bytes 4-11 (only if has_ts): u64 big-endian microsecond timestamp
//	remaining: payload
const (
	Magic = 0x53

	headerMinLen = 4
	tsLen        = 8
	MaxPayload   = 65535
)

// QoS is the delivery discipline carried in the frame flags.
type QoS uint8

const (
	QoSFire    QoS = 0
	QoSConfirm QoS = 1
	QoSCommit  QoS = 2
)

// Encoding identifies the payload encoding used within a frame.
type Encoding uint8

const (
	EncodingMap    Encoding = 0 // legacy map-style payload (MessagePack)
	EncodingBinary Encoding = 1 // tagged-binary payload
)

// Errors returned by CheckComplete and Decode.
var (
	ErrNeedMore         = errors.New("wire: need more data")
	ErrBadMagic         = errors.New("wire: bad magic byte")
	ErrTruncated        = errors.New("wire: truncated frame")
	ErrUnknownKind      = errors.New("wire: unknown message type")
	ErrUnknownValueType = errors.New("wire: unknown value type")
	ErrLengthOverflow   = errors.New("wire: payload length overflow")
)

// Flags holds the decoded flags byte.
type Flags struct {
	QoS      QoS
	HasTS    bool
	Encoding Encoding
	Compress bool
	Version  uint8
}

func (f Flags) encode() byte {
	var b byte
	b |= byte(f.QoS&0x3) << 6
	if f.HasTS {
		b |= 1 << 5
	}
	b |= byte(f.Encoding&0x1) << 4
	if f.Compress {
		b |= 1 << 3
	}
	b |= f.Version & 0x7
	return b
}

func decodeFlags(b byte) Flags {
	return Flags{
		QoS:      QoS((b >> 6) & 0x3),
		HasTS:    b&(1<<5) != 0,
		Encoding: Encoding((b >> 4) & 0x1),
		Compress: b&(1<<3) != 0,
		Version:  b & 0x7,
	}
}

// Frame is a fully decoded wire frame: header plus raw payload bytes.
// Payload interpretation (message decode) happens one layer up in
// codec.go.
type Frame struct {
	Flags     Flags
	TimestampUs int64 // valid only if Flags.HasTS
	Payload   []byte
}

// CheckComplete reports whether a complete frame is present at the
// start of buf. On success it returns the total frame length (header +
// payload) and a nil error. If more bytes are needed it returns
// (0, ErrNeedMore). Any other error is fatal for the connection.
func CheckComplete(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrNeedMore
	}
	if buf[0] != Magic {
		return 0, ErrBadMagic
	}
	if len(buf) < headerMinLen {
		return 0, ErrNeedMore
	}
	flags := decodeFlags(buf[1])
	payloadLen := int(binary.BigEndian.Uint16(buf[2:4]))

	total := headerMinLen
	if flags.HasTS {
		total += tsLen
	}
	total += payloadLen

	if len(buf) < total {
		return 0, ErrNeedMore
	}
	return total, nil
}

// DecodeFrame decodes exactly one frame from the start of buf. buf must
// contain at least CheckComplete's returned length.
func DecodeFrame(buf []byte) (Frame, int, error) {
	n, err := CheckComplete(buf)
	if err != nil {
		return Frame{}, 0, err
	}

	flags := decodeFlags(buf[1])
	off := headerMinLen
	var ts int64
	if flags.HasTS {
		ts = int64(binary.BigEndian.Uint64(buf[off : off+tsLen]))
		off += tsLen
	}
	payload := buf[off:n]

	return Frame{Flags: flags, TimestampUs: ts, Payload: payload}, n, nil
}

// EncodeFrame serializes a frame header and payload. Returns
// ErrLengthOverflow if the payload exceeds MaxPayload.
func EncodeFrame(flags Flags, timestampUs int64, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrLengthOverflow, len(payload), MaxPayload)
	}
	flags.HasTS = flags.HasTS || timestampUs != 0

	size := headerMinLen
	if flags.HasTS {
		size += tsLen
	}
	size += len(payload)

	buf := make([]byte, size)
	buf[0] = Magic
	buf[1] = flags.encode()
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))

	off := headerMinLen
	if flags.HasTS {
		binary.BigEndian.PutUint64(buf[off:off+tsLen], uint64(timestampUs))
		off += tsLen
	}
	copy(buf[off:], payload)

	return buf, nil
}
