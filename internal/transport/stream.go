package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nugget/clasp/internal/wire"
)

// streamConn adapts any byte stream (net.Conn, a QUIC stream) to Conn
// by running wire.CheckComplete's incremental framing loop over a
// buffered reader (spec.md §4.8: "the checkComplete loop is driven off
// the raw stream"). Exactly one read loop per connection reads into
// buf in 4096-byte chunks until one frame is complete; the frame
// header's u16 payload length (at most MaxPayload) keeps that growth
// finite.
type streamConn struct {
	rw     io.ReadWriteCloser
	remote string

	br  *bufio.Reader
	buf []byte // accumulated, not-yet-consumed bytes at the front of the stream

	writeMu sync.Mutex
}

func newStreamConn(rw io.ReadWriteCloser, remote string) *streamConn {
	return &streamConn{
		rw:     rw,
		remote: remote,
		br:     bufio.NewReaderSize(rw, 64*1024),
	}
}

func (c *streamConn) ReadMessage(ctx context.Context) (wire.Message, error) {
	for {
		if n, err := wire.CheckComplete(c.buf); err == nil {
			msg, qos, _, derr := wire.Decode(c.buf[:n])
			if derr != nil {
				return wire.Message{}, derr
			}
			msg.QoS = qos
			c.buf = append([]byte(nil), c.buf[n:]...)
			return msg, nil
		} else if !errors.Is(err, wire.ErrNeedMore) {
			return wire.Message{}, err
		}

		if ctx.Err() != nil {
			return wire.Message{}, ctx.Err()
		}

		chunk := make([]byte, 4096)
		n, err := c.br.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil {
			if n > 0 && err == io.EOF {
				// Keep looping: a frame may already be complete in
				// c.buf even though the peer has also closed its
				// write side (e.g. a pipelined final message).
				continue
			}
			return wire.Message{}, err
		}
	}
}

func (c *streamConn) WriteMessage(ctx context.Context, m wire.Message, enc wire.Encoding) error {
	frame, err := wire.Encode(m, enc, m.QoS, m.TimeUs, false)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.rw.Write(frame)
	return err
}

func (c *streamConn) RemoteAddr() string { return c.remote }
func (c *streamConn) Close() error       { return c.rw.Close() }

// netAddrString renders a net.Addr defensively — nil-safe since some
// listener shutdown paths surface it after the underlying socket is
// already gone.
func netAddrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
