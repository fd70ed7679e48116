package transport

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/quic-go/quic-go"
)

// alpn is the ALPN protocol identifier QUIC's TLS handshake
// negotiates for CLASP, analogous to the WebSocket subprotocol.
const alpn = "clasp"

// QUICListener serves CLASP over QUIC. Each accepted quic.Connection
// holds exactly one CLASP session, carried over that connection's
// first bidirectional stream — streams are QUIC's native unit of
// ordered-reliable-byte-stream, so the same wire.CheckComplete framing
// loop used for TCP (via streamConn) applies unchanged.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC binds addr with the given TLS configuration, which must
// already carry server certificates — QUIC requires TLS 1.3 for its
// handshake, there is no cleartext mode.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{alpn}
	}
	ln, err := quic.ListenAddr(addr, conf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	return &QUICListener{ln: ln}, nil
}

func (q *QUICListener) Addr() string { return q.ln.Addr().String() }
func (q *QUICListener) Close() error { return q.ln.Close() }

// Serve accepts connections until ctx is cancelled. Each connection's
// first stream becomes its CLASP stream; a connection that never opens
// one is simply never handed to handle.
func (q *QUICListener) Serve(ctx context.Context, handle func(ctx context.Context, conn Conn)) error {
	for {
		qconn, err := q.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go q.acceptStream(ctx, qconn, handle)
	}
}

func (q *QUICListener) acceptStream(ctx context.Context, qconn quic.Connection, handle func(ctx context.Context, conn Conn)) {
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			qconn.CloseWithError(0, "stream not established")
		}
		return
	}
	conn := newStreamConn(quicStreamRWC{stream, qconn}, netAddrString(qconn.RemoteAddr()))
	handle(ctx, conn)
}

// quicStreamRWC adapts a quic.Stream (which has independent half-close
// semantics) plus its owning connection into the plain
// io.ReadWriteCloser streamConn expects; closing the stream also tears
// down the connection since CLASP's QUIC transport is one session per
// connection.
type quicStreamRWC struct {
	quic.Stream
	conn quic.Connection
}

func (s quicStreamRWC) Close() error {
	err := s.Stream.Close()
	s.conn.CloseWithError(0, "session closed")
	return err
}
