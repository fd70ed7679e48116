// Package transport hosts CLASP's wire-level front ends: WebSocket,
// TCP, UDP and QUIC listeners that each turn a raw connection into a
// stream of decoded wire.Message values, plus the connection pump that
// wires an accepted connection to a session.Manager and
// dispatch.Dispatcher. Concrete listeners differ only in how they find
// frame boundaries (stream framing vs one-frame-per-datagram vs one
// frame per WebSocket message); everything downstream of a Conn is
// identical, grounded on the teacher's single-reader-goroutine
// connection idiom (homeassistant.WSClient.readLoop, signal.Client's
// read loop).
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/nugget/clasp/internal/clasplog"
	"github.com/nugget/clasp/internal/dispatch"
	"github.com/nugget/clasp/internal/session"
	"github.com/nugget/clasp/internal/wire"
)

// Conn is one accepted client connection, already speaking CLASP
// frames. Implementations hide the transport-specific framing (stream
// incremental read, datagram, WebSocket binary message) behind a
// uniform Message-level interface.
type Conn interface {
	// ReadMessage blocks until a complete frame has arrived, ctx is
	// done, or the connection fails. io.EOF (or a wrapped io.EOF)
	// signals a clean close.
	ReadMessage(ctx context.Context) (wire.Message, error)

	// WriteMessage encodes m using enc and writes one frame. Safe to
	// call only from the connection's single writer goroutine (Serve
	// guarantees this); implementations do not need their own
	// write-side locking.
	WriteMessage(ctx context.Context, m wire.Message, enc wire.Encoding) error

	RemoteAddr() string
	Close() error
}

// Listener accepts connections for one transport and hands each to
// handle. Serve blocks until ctx is cancelled or the listener fails
// irrecoverably.
type Listener interface {
	Serve(ctx context.Context, handle func(ctx context.Context, conn Conn)) error
	Addr() string
	Close() error
}

// outboundEncoding is the payload encoding CLASP uses for everything
// the router originates. A client that sent one encoding is still free
// to receive the other — codec.go's sniffing on the client side
// handles that — but picking the compact tagged-binary form here
// avoids an unnecessary MessagePack encode on every fan-out.
const outboundEncoding = wire.EncodingBinary

// Serve pumps one accepted connection: it allocates a session, starts
// a dedicated writer goroutine draining the session's Outbox, and runs
// the read loop driving every inbound frame through d.Handle. It
// returns once the connection closes or ctx is cancelled, after
// running the session's termination cascade.
//
// Every concrete listener's accept loop calls Serve in its own
// goroutine per connection — this function is the transport-agnostic
// core all four front ends share.
func Serve(ctx context.Context, conn Conn, d *dispatch.Dispatcher, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sess := d.Sessions.Create()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger = logger.With("session", sess.ID, "remote", conn.RemoteAddr())

	go writeLoop(connCtx, conn, sess, logger)

	defer func() {
		cancelled, err := d.Sessions.Terminate(sess.ID, d.Subs, d.Store)
		if err == nil && len(cancelled) > 0 {
			logger.Debug("session closed with open gestures", "gestures", cancelled)
		}
		conn.Close()
	}()

	for {
		msg, err := conn.ReadMessage(connCtx)
		if err != nil {
			if !errors.Is(err, io.EOF) && connCtx.Err() == nil {
				logger.Debug("read failed", "error", err)
			}
			return
		}

		clasplog.Trace(connCtx, logger, "inbound frame", "type", msg.Type, "address", msg.Address)

		replies, herr := d.Handle(sess, msg)
		if herr != nil {
			var derr *dispatch.Error
			if errors.As(herr, &derr) {
				deliver(connCtx, sess, derr.ToMessage())
				if derr.Terminal {
					return
				}
				continue
			}
			logger.Error("dispatch returned an unrecognized error", "error", herr)
			return
		}
		for _, r := range replies {
			deliver(connCtx, sess, r)
		}
	}
}

// deliver queues a handler-produced reply onto the session's Outbox,
// where the writer goroutine picks it up. Blocking (rather than the
// subscription engine's drop-on-full policy) is deliberate: a reply is
// a direct answer to something the client just sent, one per inbound
// frame, so the session's own read pacing already bounds how fast
// these can arrive.
func deliver(ctx context.Context, sess *session.Session, m wire.Message) {
	select {
	case sess.Outbox <- m:
	case <-ctx.Done():
	}
}

func writeLoop(ctx context.Context, conn Conn, sess *session.Session, logger *slog.Logger) {
	for {
		select {
		case m := <-sess.Outbox:
			if err := conn.WriteMessage(ctx, m, outboundEncoding); err != nil {
				logger.Debug("write failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
